// Package chat is the interactive console of a room member.
package chat

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/profile"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
	"github.com/eldtechnologies/roomrelay/internal/syncer"
)

// RefreshLimit is how many messages /refresh shows.
const RefreshLimit = 30

const welcome = `
Welcome to roomrelay, a shared room for everybody you sync with.

Commands:
    /connect            Connect to configured peers
    /disconnect         Disconnect from all peers
    /refresh            Show latest history
    /profile <name>     Set your profile name
    /status             Show room, profile and peer status
    /quit               Exit
    CTRL-C              Same as /quit

Type a message to send. It is stored locally and synced when connected.
`

// Session is the room the console talks to.
type Session interface {
	Send(ctx context.Context, text string) (models.Record, error)
	SaveProfile(ctx context.Context, name string) (models.Record, error)
	Refresh(ctx context.Context, req syncer.RefreshRequest) error
	State() syncer.State
}

// Network connects to and disconnects from peers.
type Network interface {
	Connect(ctx context.Context) error
	Disconnect()
	Peers() []substrate.Peer
}

// Directory is the profile registry as seen by /status.
type Directory interface {
	Self() string
	Lookup(identity string) (profile.Entry, bool)
	Len() int
}

// App runs the console command loop.
type App struct {
	session  Session
	network  Network
	profiles Directory
	screen   *LineRenderer
	prompter Prompter
	logger   zerolog.Logger
}

// NewApp creates an App. network may be nil when no peers are configured.
func NewApp(session Session, network Network, profiles Directory, screen *LineRenderer, prompter Prompter, logger zerolog.Logger) *App {
	return &App{
		session:  session,
		network:  network,
		profiles: profiles,
		screen:   screen,
		prompter: prompter,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// Welcome prints the banner.
func (a *App) Welcome() {
	a.screen.Statusf("%s", welcome)
}

// Run reads commands until /quit, end of input, CTRL-C or ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer a.prompter.Close()

	for ctx.Err() == nil {
		line, err := a.prompter.Prompt("")
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, liner.ErrPromptAborted):
			a.screen.Statusf("Exiting & cleaning up...")
			return nil
		case err != nil:
			return err
		}

		if line != "" {
			a.prompter.AppendHistory(line)
		}
		if quit := a.Execute(ctx, line); quit {
			a.screen.Statusf("Exiting & cleaning up... Bye!")
			return nil
		}
	}
	return nil
}

// Execute runs one input line and reports whether the console should exit.
func (a *App) Execute(ctx context.Context, line string) bool {
	cmd := ParseCommand(line)

	switch cmd.Kind {
	case CmdNone:
	case CmdQuit:
		return true
	case CmdRefresh:
		a.report(a.session.Refresh(ctx, syncer.RefreshRequest{Limit: RefreshLimit, NewestFirst: true}))
	case CmdConnect:
		if a.network == nil {
			a.screen.Statusf("<No peers configured>")
			return false
		}
		if err := a.network.Connect(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Some peers did not connect")
			a.report(err)
		}
	case CmdDisconnect:
		if a.network != nil {
			a.logger.Info().Msg("Closing connections to peers")
			a.network.Disconnect()
		}
	case CmdProfile:
		_, err := a.session.SaveProfile(ctx, cmd.Arg)
		a.report(err)
	case CmdStatus:
		a.status()
	case CmdUnknown:
		a.screen.Statusf("<Unknown command: %s>", cmd.Arg)
	case CmdMessage:
		_, err := a.session.Send(ctx, cmd.Arg)
		a.report(err)
	}
	return false
}

func (a *App) status() {
	a.screen.Statusf("<Room: %s>", a.session.State())

	if a.profiles != nil {
		if e, ok := a.profiles.Lookup(a.profiles.Self()); ok {
			a.screen.Statusf("<Profile: %s>", e.DisplayName)
		} else {
			a.screen.Statusf("<Profile: not set>")
		}
		a.screen.Statusf("<Profiles known: %d>", a.profiles.Len())
	}

	var peers []substrate.Peer
	if a.network != nil {
		peers = a.network.Peers()
	}
	if len(peers) == 0 {
		a.screen.Statusf("<Peers: none>")
		return
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PubKey() < peers[j].PubKey() })
	for _, p := range peers {
		a.screen.Statusf("<Peer: %s on connection %q>", p.PubKey(), p.Name())
	}
}

func (a *App) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, substrate.ErrNotConnected):
		a.screen.Statusf("<error: storage is not connected>")
	default:
		a.screen.Statusf("<error: %v>", err)
	}
}
