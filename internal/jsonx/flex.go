// Package jsonx contains lenient JSON scalar types for payloads whose field
// types drift between server versions (booleans sent as "1", ports sent as
// strings and similar).
package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var null = []byte("null")

func unquote(data []byte) (string, bool) {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return strings.TrimSpace(s), true
		}
	}
	return string(data), false
}

// FlexBool accepts true/false, "true"/"false", "1"/"0" and 1/0.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), null) {
		*b = false
		return nil
	}
	s, _ := unquote(data)
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		*b = true
	case "false", "0", "no", "":
		*b = false
	default:
		return fmt.Errorf("jsonx: cannot parse %q as bool", s)
	}
	return nil
}

func (b FlexBool) Bool() bool { return bool(b) }

// FlexInt accepts a JSON number or a numeric string. Empty strings decode to 0.
type FlexInt int

func (i *FlexInt) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), null) {
		*i = 0
		return nil
	}
	s, _ := unquote(data)
	if s == "" {
		*i = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("jsonx: cannot parse %q as int: %w", s, err)
	}
	*i = FlexInt(int(n))
	return nil
}

func (i FlexInt) Int() int { return int(i) }

// FlexFloat accepts a JSON number or a numeric string.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), null) {
		*f = 0
		return nil
	}
	s, _ := unquote(data)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("jsonx: cannot parse %q as float: %w", s, err)
	}
	*f = FlexFloat(n)
	return nil
}

func (f FlexFloat) Float() float64 { return float64(f) }

// FlexList accepts either a comma separated string ("server,player") or an
// array of strings.
type FlexList []string

func (l *FlexList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*l = out
		return nil
	}
	s, _ := unquote(data)
	*l = SplitList(s)
	return nil
}

// Contains reports whether the list holds value, ignoring case.
func (l FlexList) Contains(value string) bool {
	for _, item := range l {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// SplitList splits a comma separated attribute into trimmed, non-empty parts.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// OneOrMany decodes a value that is sometimes a single object and sometimes
// an array of them.
type OneOrMany[T any] []T

func (o *OneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		*o = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*o = items
		return nil
	}
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	*o = []T{item}
	return nil
}
