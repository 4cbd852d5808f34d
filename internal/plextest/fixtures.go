package plextest

import "strconv"

// SampleLibrary is a small library with two movie sections, one show with
// two seasons and an on-deck list mixing episodes and movies. Field types
// are deliberately inconsistent, as they are on real servers.
func SampleLibrary() Library {
	items := map[string]Item{
		"100": {
			"ratingKey": "100", "type": "movie", "title": "Arrival", "year": "2016",
			"duration": 6960000, "rating": "7.9", "contentRating": "PG-13", "studio": "Paramount",
			"summary": "Linguist meets heptapods.", "thumb": "/library/metadata/100/thumb/1",
			"art": "/library/metadata/100/art/1", "addedAt": 1700000000, "viewOffset": "120000",
			"viewCount": "2", "Genre": []map[string]string{{"tag": "Drama"}, {"tag": "Science Fiction"}},
			"Media": []map[string]any{{"Part": []map[string]string{{"key": "/library/parts/500/file.mkv"}}}},
		},
		"101": {"ratingKey": "101", "type": "movie", "title": "Blade Runner", "year": 1982, "duration": "7020000"},
		"102": {"ratingKey": "102", "type": "movie", "duration": 0},
		"200": {
			"ratingKey": "200", "type": "show", "title": "Severance", "year": 2022, "childCount": "2",
			"leafCount": 19, "thumb": "/library/metadata/200/thumb/1", "Genre": []map[string]string{{"tag": "Thriller"}},
		},
		"210": {"ratingKey": "210", "type": "season", "title": "Season 1", "index": "1", "leafCount": "3", "parentRatingKey": "200", "thumb": "/library/metadata/210/thumb/1"},
		"211": {"ratingKey": "211", "type": "season", "index": 2, "parentRatingKey": "200"},
		"219": {"ratingKey": "219", "type": "clip", "title": "Behind the Scenes"},
		"2101": episode("2101", "Good News About Hell", 1),
		"2102": episode("2102", "Half Loop", 2),
		"2103": episode("2103", "In Perpetuity", 3),
	}
	return Library{
		Sections: []Section{
			{Key: "1", Type: "movie", Title: "Movies"},
			{Key: "2", Type: "show", Title: "TV Shows"},
			{Key: "3", Type: "movie", Title: "Kids Movies"},
		},
		Items: items,
		SectionItems: map[string][]string{
			"1": {"101", "100", "102"},
			"2": {"200"},
		},
		Children: map[string][]string{
			"200": {"210", "211", "219"},
			"210": {"2101", "2102", "2103"},
		},
		OnDeck: []string{"2102", "100"},
		UltraBlur: map[string][4]string{
			"/library/metadata/100/thumb/1": {"112233", "445566", "778899", "aabbc"},
		},
	}
}

func episode(key, title string, index int) Item {
	return Item{
		"ratingKey": key, "type": "episode", "title": title, "index": index, "parentIndex": "1",
		"parentRatingKey": "210", "grandparentRatingKey": "200", "duration": "3300000",
		"thumb": "/library/metadata/" + key + "/thumb/1",
		"Media": []map[string]any{{"Part": []map[string]string{{"key": "/library/parts/" + key + "/file.mkv"}}}},
	}
}

// SampleResources is a directory resource list pointing at serverURL: the
// first server has only a relay connection without an address, the second a
// local connection to serverURL, plus a player device.
func SampleResources(serverURL, host string, port int) []byte {
	return []byte(`[
  {"name":"Relay Only","clientIdentifier":"relay","provides":"server",
   "connections":[{"protocol":"https","uri":"https://relay.example.plex.direct:8443","local":false}]},
  {"name":"Home Server","clientIdentifier":"home","provides":"server","owned":true,
   "connections":[{"protocol":"http","uri":"` + serverURL + `","address":"` + host + `","port":` + strconv.Itoa(port) + `,"local":true}]},
  {"name":"Phone","clientIdentifier":"phone","provides":"client,player","connections":[]}
]`)
}
