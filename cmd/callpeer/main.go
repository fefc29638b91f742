// callpeer joins a translated call from the terminal. It negotiates a real
// WebRTC link through a signaling server, sends each line typed on stdin as
// a transcribed utterance and prints the transcript as it changes.
//
//	callpeer --host --name Ana --lang en --peer-lang es
//	callpeer --join 'http://localhost:3000/call?room=ABC123&host=false&name=Luis&lang=es'
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/mossy-p/livecall/internal/joinlink"
	"github.com/mossy-p/livecall/internal/media"
	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/orchestrator"
	"github.com/mossy-p/livecall/internal/peer"
	"github.com/mossy-p/livecall/internal/signaling"
	"github.com/mossy-p/livecall/internal/translator"
)

type options struct {
	server       string
	publicURL    string
	room         string
	join         string
	host         bool
	group        bool
	name         string
	lang         string
	peerLang     string
	translateURL string
	translateKey string
	stun         []string
	loopback     bool
	noMedia      bool
	poll         time.Duration
	cacheSize    int
	verbose      bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("callpeer", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "http://localhost:8080", "signaling server base URL")
	flagSet.StringVar(&opts.publicURL, "public-url", "http://localhost:3000", "base of the join link printed for guests")
	flagSet.StringVar(&opts.room, "room", "", "room code (generated when hosting without one)")
	flagSet.StringVar(&opts.join, "join", "", "join link to answer")
	flagSet.BoolVar(&opts.host, "host", false, "start the call as its host")
	flagSet.BoolVar(&opts.group, "group", false, "group call with one link per guest")
	flagSet.StringVar(&opts.name, "name", "", "display name")
	flagSet.StringVar(&opts.lang, "lang", "", "language you speak")
	flagSet.StringVar(&opts.peerLang, "peer-lang", "", "language assumed for the other side until it announces one")
	flagSet.StringVar(&opts.translateURL, "translate-url", "", "LibreTranslate compatible endpoint")
	flagSet.StringVar(&opts.translateKey, "translate-key", "", "API key for --translate-url")
	flagSet.StringSliceVar(&opts.stun, "stun", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	flagSet.BoolVar(&opts.loopback, "loopback", false, "gather loopback candidates")
	flagSet.BoolVar(&opts.noMedia, "no-media", false, "data channel only, no audio or video tracks")
	flagSet.DurationVar(&opts.poll, "poll", signaling.DefaultPollInterval, "signaling poll interval")
	flagSet.IntVar(&opts.cacheSize, "cache-size", 512, "remembered translations")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	role, err := resolveRoom(&opts)
	if err != nil {
		return err
	}

	relay := signaling.NewHTTPRelay(opts.server, nil)
	links, err := peer.NewPionFactory(peer.PionConfig{
		ICEServers:      []webrtc.ICEServer{{URLs: opts.stun}},
		IncludeLoopback: opts.loopback,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	var source media.Source = media.Synthetic{Audio: true, Video: true}
	if opts.noMedia {
		source = media.None{}
	}

	session, err := orchestrator.New(orchestrator.Options{
		RoomID:     opts.room,
		Role:       role,
		Group:      opts.group,
		Name:       opts.name,
		Lang:       opts.lang,
		PeerLang:   opts.peerLang,
		Signaling:  signaling.NewClient(relay, opts.poll, logger),
		Links:      links,
		Media:      source,
		Translator: newTranslator(opts, logger),
		Logger:     logger,
		Hooks: orchestrator.Hooks{
			OnStatus:     printStatus,
			OnTranscript: newTranscriptPrinter(),
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.End()

	if role == models.RoleHost {
		fmt.Printf("room %s\njoin link: %s\n", opts.room, joinlink.Build(opts.publicURL, opts.room, "", opts.peerLang))
	}

	lines := make(chan string)
	go readLines(lines)

	facing := media.FacingUser

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "/quit":
				return nil
			case "/retry":
				session.Retry()
			case "/mute":
				session.SetMuted(true)
			case "/unmute":
				session.SetMuted(false)
			case "/flip":
				facing = flip(facing)
				session.SwitchCamera(facing)
			default:
				session.Speak(line)
			}
		}
	}
}

// resolveRoom fills room, name and lang from the flags or the join link and
// returns the local role.
func resolveRoom(opts *options) (models.Role, error) {
	if opts.join != "" {
		link, err := joinlink.Parse(opts.join)
		if err != nil {
			return "", err
		}
		opts.room = link.Room
		opts.host = link.Host
		if opts.name == "" {
			opts.name = link.Name
		}
		if opts.lang == "" {
			opts.lang = link.Lang
		}
	}

	if opts.lang == "" {
		opts.lang = joinlink.DefaultLang
	}
	if opts.name == "" {
		opts.name = joinlink.DefaultName
	}

	if !opts.host {
		if opts.room == "" {
			return "", errors.New("--room or --join is required to join a call")
		}
		return models.RoleGuest, nil
	}

	if opts.room == "" {
		code, err := joinlink.NewRoomCode()
		if err != nil {
			return "", err
		}
		opts.room = code
	}
	return models.RoleHost, nil
}

func newTranslator(opts options, logger *slog.Logger) translator.Translator {
	steps := []translator.Step{translator.Common()}
	if opts.translateURL != "" {
		remote := translator.NewHTTP(opts.translateURL, opts.translateKey, &http.Client{Timeout: 5 * time.Second}, logger)
		steps = append(steps, translator.NewCache(remote, opts.cacheSize))
	}
	return translator.NewChain(logger, steps...)
}

func flip(facing media.Facing) media.Facing {
	if facing == media.FacingEnvironment {
		return media.FacingUser
	}
	return media.FacingEnvironment
}

func readLines(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func printStatus(status orchestrator.Status) {
	fmt.Printf("[%s] %s\n", status.State, status.Message)
}

// newTranscriptPrinter prints entries the first time they appear and again
// when their translation arrives.
func newTranscriptPrinter() func([]models.TranscriptEntry) {
	printed := make(map[string]models.TranscriptEntry)
	return func(entries []models.TranscriptEntry) {
		for _, e := range entries {
			key := e.PeerID + "/" + e.ID
			if prev, ok := printed[key]; ok && prev == e {
				continue
			}
			printed[key] = e

			speaker := e.Speaker
			if e.Local {
				speaker = "you"
			}
			if e.TranslatedText == "" {
				fmt.Printf("%s: %s\n", speaker, e.OriginalText)
				continue
			}
			fmt.Printf("%s: %s (%s)\n", speaker, e.OriginalText, e.TranslatedText)
		}
	}
}
