package runtime

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"

	"github.com/harunnryd/threadline/internal/conversation"
	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/session"
)

const replHelp = `Commands:
  /new          start a new conversation
  /ls           list sessions
  /load <id>    continue a session
  /rm <id>      delete a session
  /progress     show interview progress of the current session
  /exit         quit`

// REPL reads messages and slash commands from a line-oriented input.
type REPL struct {
	components *Components
	reader     *bufio.Reader
	threadID   string
	mode       conversation.Mode
}

func NewREPL(components *Components, in io.Reader, threadID string) *REPL {
	return &REPL{
		components: components,
		reader:     bufio.NewReader(in),
		threadID:   threadID,
		mode:       conversation.ModeAdvisory,
	}
}

// ThreadID is the conversation messages are currently sent to.
func (r *REPL) ThreadID() string {
	return r.threadID
}

func (r *REPL) Start() error {
	term := r.components.Terminal
	term.Println("Threadline interactive session. Type '/help' for commands, '/exit' to quit.")

	if r.threadID != "" {
		if err := r.load(r.threadID); err != nil {
			term.Println("✗", err)
			r.threadID = ""
		}
	}

	for {
		select {
		case <-r.components.Ctx.Done():
			return nil
		default:
		}

		if err := r.readLine(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			term.Println("✗", err)
		}
	}
}

func (r *REPL) readLine() error {
	r.components.Terminal.Print("> ")
	text, err := r.reader.ReadString('\n')
	if err != nil && (text == "" || !errors.Is(err, io.EOF)) {
		return err
	}
	if herr := r.Handle(strings.TrimSpace(text)); herr != nil {
		return herr
	}
	return err
}

// Handle processes one input line.
func (r *REPL) Handle(line string) error {
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "/") {
		return r.command(line)
	}
	return r.send(line)
}

func (r *REPL) send(text string) error {
	eng := r.components.Engine

	var (
		d   conversation.Draft
		err error
	)
	if r.mode == conversation.ModeInterview && r.threadID != "" {
		d, err = eng.Answer(r.components.Ctx, r.threadID, text)
	} else {
		d, err = eng.Send(r.components.Ctx, r.threadID, text)
	}

	if d.ThreadID != "" {
		r.threadID = d.ThreadID
	}
	// failed streams were already shown in place of the reply
	if err != nil && !d.Failed {
		return err
	}
	return nil
}

func (r *REPL) command(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil
	}

	term := r.components.Terminal
	eng := r.components.Engine
	ctx := r.components.Ctx

	switch args[0] {
	case "/exit", "/quit":
		return io.EOF

	case "/help":
		term.Println(replHelp)

	case "/new":
		r.threadID = ""
		r.mode = conversation.ModeAdvisory
		term.Println("Started a new conversation.")

	case "/ls":
		if _, err := eng.List(ctx); err != nil {
			if !tlErrors.Is(err, tlErrors.ErrStale) {
				return err
			}
			term.Println("⚠", err)
		}
		term.PrintSessions(eng.Groups())

	case "/load":
		if len(args) != 2 {
			return tlErrors.InvalidInput("usage: /load <thread-id>")
		}
		return r.load(args[1])

	case "/rm":
		if len(args) != 2 {
			return tlErrors.InvalidInput("usage: /rm <thread-id>")
		}
		if err := eng.Delete(ctx, args[1]); err != nil {
			return err
		}
		if args[1] == r.threadID {
			r.threadID = ""
			r.mode = conversation.ModeAdvisory
		}
		term.Println(fmt.Sprintf("✓ Session '%s' deleted.", args[1]))

	case "/progress":
		if r.threadID == "" {
			return tlErrors.InvalidInput("no current session")
		}
		p, err := eng.Progress(r.threadID)
		if err != nil {
			return err
		}
		term.Println(fmt.Sprintf("%s  %d%%  %s", p.Label, p.Percent, p.Detail))

	default:
		return tlErrors.InvalidInput(fmt.Sprintf("unknown command %s (try /help)", args[0]))
	}
	return nil
}

func (r *REPL) load(threadID string) error {
	sess, err := r.components.Engine.Load(r.components.Ctx, threadID)
	if err != nil {
		return err
	}
	r.threadID = sess.ThreadID
	r.mode = sess.Mode
	if r.mode == "" {
		r.mode = conversation.ModeAdvisory
	}
	r.printHistory(sess)
	return nil
}

func (r *REPL) printHistory(sess session.Session) {
	term := r.components.Terminal
	term.Println(fmt.Sprintf("── %s (%s, %d turns)", sess.Title, sess.Mode, len(sess.Turns)))
	for _, turn := range sess.Turns {
		if turn.Question != "" {
			term.Println("? " + turn.Question)
		}
		if turn.Answer != "" {
			term.Println(turn.Answer)
		}
		if turn.Feedback != "" {
			term.Println(turn.Feedback)
		}
	}
	if sess.IsFinished {
		term.Println("(finished, read-only)")
	}
}
