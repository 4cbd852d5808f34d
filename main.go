package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"yhmv/api"
	"yhmv/config"
	"yhmv/handlers"
	"yhmv/internal/app"
	"yhmv/internal/logging"
	"yhmv/internal/storage"
	"yhmv/models"
	"yhmv/services/auth"
)

const usage = `usage: yhmv [flags] <command> [args]

commands:
  login [-token TOKEN]     pair this device (or sign in with a token)
  logout                   forget the session
  status                   show the signed-in account and server
  servers                  list discovered servers
  select SERVER_ID         switch to another server
  refresh                  rediscover servers
  movies | shows | ondeck  browse the library
  seasons SHOW_ID          list seasons of a show
  episodes SEASON_ID       list episodes of a season
  search [-type N] QUERY   search the server
  play [-follow] ID        print the stream URL (and report progress)
  serve [-addr ADDR]       run the local JSON API
`

func main() {
	verbose := flag.Bool("v", false, "log at debug level to stderr")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	config.LoadDotEnv()
	cfgManager := config.NewManager(config.ConfigPath())
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	if *verbose {
		settings.Log.Level = "debug"
	}

	logger, logCloser := logging.Setup(settings.Log, os.Stderr)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, settings.Storage)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	a, err := app.New(ctx, settings, store, app.Options{Logger: logger})
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd != "login" && cmd != "logout" {
		if _, err := a.Restore(ctx); err != nil {
			logger.Warn("continuing with stored session", "error", err)
		}
	}

	if err := run(ctx, a, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, cmd string, args []string) error {
	switch cmd {
	case "login":
		return login(ctx, a, args)
	case "logout":
		if err := a.Auth.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	case "status":
		return status(ctx, a)
	case "servers":
		printServers(a.Auth.Session())
		return nil
	case "select":
		if len(args) != 1 {
			return errors.New("select needs a server id")
		}
		ok, err := a.Auth.SelectServer(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("server %s is not reachable, selection unchanged", args[0])
		}
		printServers(a.Auth.Session())
		return nil
	case "refresh":
		ok, err := a.Auth.RefreshServers(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("no servers found")
		}
		printServers(a.Auth.Session())
		return nil
	case "movies":
		movies, err := a.Catalog.Movies(ctx)
		if err != nil {
			return err
		}
		tw := table("ID", "TITLE", "YEAR", "DURATION")
		for _, m := range movies {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.ID, m.Title, m.Year, minutes(m.Duration))
		}
		return tw.Flush()
	case "shows":
		shows, err := a.Catalog.Shows(ctx)
		if err != nil {
			return err
		}
		tw := table("ID", "TITLE", "YEAR", "SEASONS", "EPISODES")
		for _, s := range shows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", s.ID, s.Title, s.Year, s.SeasonCount, s.EpisodeCount)
		}
		return tw.Flush()
	case "seasons":
		if len(args) != 1 {
			return errors.New("seasons needs a show id")
		}
		seasons, err := a.Catalog.Seasons(ctx, args[0])
		if err != nil {
			return err
		}
		tw := table("ID", "TITLE", "EPISODES")
		for _, s := range seasons {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", s.ID, s.Title, s.EpisodeCount)
		}
		return tw.Flush()
	case "episodes":
		if len(args) != 1 {
			return errors.New("episodes needs a season id")
		}
		episodes, err := a.Catalog.Episodes(ctx, args[0])
		if err != nil {
			return err
		}
		tw := table("ID", "EP", "TITLE", "DURATION")
		for _, e := range episodes {
			fmt.Fprintf(tw, "%s\tS%02dE%02d\t%s\t%s\n", e.ID, e.SeasonNumber, e.EpisodeNumber, e.Title, minutes(e.Duration))
		}
		return tw.Flush()
	case "ondeck":
		items, err := a.Catalog.OnDeck(ctx, 0)
		if err != nil {
			return err
		}
		tw := table("TYPE", "ID", "TITLE")
		for _, item := range items {
			id := ""
			switch {
			case item.Movie != nil:
				id = item.Movie.ID
			case item.Episode != nil:
				id = item.Episode.ID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", item.Type, id, item.Title())
		}
		return tw.Flush()
	case "search":
		return search(ctx, a, args)
	case "play":
		return play(ctx, a, args)
	case "serve":
		return serve(ctx, a, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func login(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	token := fs.String("token", "", "sign in with an existing token instead of pairing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *token != "" {
		session, err := a.Auth.LoginWithToken(ctx, strings.TrimSpace(*token))
		if err != nil {
			return err
		}
		fmt.Printf("Signed in as %s.\n", session.Username)
		printServers(session)
		return nil
	}

	for u := range a.Auth.LoginWithPin(ctx, auth.PairingOptions{}) {
		switch u.Stage {
		case auth.StageRequesting:
			fmt.Println("Requesting a pairing code...")
		case auth.StagePin:
			fmt.Printf("Open %s and enter the code %s\n", u.ActivationURL, u.Pin.Code)
		case auth.StageWaiting:
			fmt.Printf("Still waiting (%s left)...\n", u.Remaining.Round(time.Second))
		case auth.StageDone:
			fmt.Printf("Signed in as %s.\n", u.Session.Username)
			printServers(*u.Session)
		case auth.StageFailed:
			return u.Err
		}
	}
	return nil
}

func status(ctx context.Context, a *app.App) error {
	session := a.Auth.Session()
	if !session.IsAuthenticated {
		fmt.Println("Not signed in. Run `yhmv login`.")
		return nil
	}
	fmt.Printf("Account: %s", session.Username)
	if session.Email != "" {
		fmt.Printf(" <%s>", session.Email)
	}
	fmt.Println()
	srv, ok := a.Auth.SelectedServer()
	if !ok {
		fmt.Println("Server:  none selected")
		return nil
	}
	reach := "unreachable"
	if a.Catalog.TestConnectivity(ctx) {
		reach = "reachable"
	}
	fmt.Printf("Server:  %s (%s, %s)\n", srv.Name, srv.URI, reach)
	return nil
}

func search(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	typ := fs.String("type", "", "restrict to a type (1 movie, 2 show, 4 episode)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return errors.New("search needs a query")
	}
	results, err := a.Catalog.Search(ctx, query, *typ)
	if err != nil {
		return err
	}
	tw := table("TYPE", "ID", "TITLE", "YEAR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.Type, r.ID, r.Title, r.Year)
	}
	return tw.Flush()
}

// play prints the resolved stream URL. With -follow it reports playback
// progress until interrupted, using wall time as the position.
func play(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	follow := fs.Bool("follow", false, "report progress until interrupted")
	subtitle := fs.Int("subtitle", -1, "subtitle stream id to burn in")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("play needs an item id")
	}
	id := fs.Arg(0)

	var opts models.TranscodeOptions
	if *subtitle >= 0 {
		opts.SubtitleStreamIndex = subtitle
	}
	start, err := a.Catalog.TranscodeURL(ctx, id, opts)
	if err != nil {
		return err
	}
	stream, err := a.Catalog.ResolveStreamURL(ctx, start)
	if err != nil {
		return err
	}
	fmt.Println(stream)
	if !*follow {
		return nil
	}

	var duration time.Duration
	if movie, err := a.Catalog.MovieDetail(ctx, id); err == nil && movie != nil {
		duration = time.Duration(movie.Duration) * time.Millisecond
	} else if ep, err := a.Catalog.EpisodeDetail(ctx, id); err == nil && ep != nil {
		duration = time.Duration(ep.Duration) * time.Millisecond
	}

	reporter := a.ProgressReporter(id, duration)
	began := time.Now()
	reporter.Start(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			reporter.Update(time.Since(began), 0)
			// ctx is already cancelled; the final report needs its own.
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			reporter.Stop(stopCtx)
			cancel()
			return nil
		case <-ticker.C:
			reporter.Update(time.Since(began), 0)
		}
	}
}

func serve(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:7879", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	router := api.NewRouter(handlers.NewSessionHandler(a.Auth), handlers.NewCatalogHandler(a.Catalog), nil)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Listening on http://%s\n", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func printServers(session models.AuthSession) {
	tw := table("", "ID", "NAME", "URI", "LOCAL")
	for _, srv := range session.Servers {
		mark, uri, local := "", srv.URI, srv.Local
		if sel := session.SelectedServer; sel != nil && sel.ID == srv.ID {
			mark, uri, local = "*", sel.URI, sel.Local
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", mark, srv.ID, srv.Name, uri, local)
	}
	_ = tw.Flush()
}

// table aligns columns on a terminal; piped output stays tab-separated.
func table(headers ...string) *tabwriter.Writer {
	tabwidth, padding, padchar := 0, 2, byte(' ')
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		tabwidth, padding, padchar = 8, 1, '\t'
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, tabwidth, padding, padchar, 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func minutes(ms int) string {
	if ms <= 0 {
		return "-"
	}
	return fmt.Sprintf("%dm", ms/60000)
}
