// Command mailctl edits the mailbox and prompt library from the shell and
// runs single pipeline steps. It shares the data directory and locks with a
// running server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"mailtriage/internal/config"
	"mailtriage/internal/ingest"
	"mailtriage/internal/model"
	"mailtriage/internal/repository"
	"mailtriage/internal/service/chat"
	"mailtriage/internal/service/gateway"
	"mailtriage/internal/service/pipeline"
	"mailtriage/internal/service/stage"
	"mailtriage/pkg/filelock"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/mq"
)

const usage = `usage: mailctl <command> [args]

commands:
  list                               show the mailbox
  show <id>                          print one mail as JSON
  add -sender S -subject S -body S [-timestamp T]
  update <id> key=value...           values that parse as JSON are stored as JSON
  delete <id>
  import <file.eml|dir>              import RFC 5322 messages
  prompt list | get <type> | set <type> <text|->
  process <id>                       run all stages on one mail
  chat <id> <question...>            ask the model about a mail
  last-error [-clear]
  ping                               test the model connection
`

type app struct {
	cfg      *config.Config
	log      *zap.Logger
	mailbox  *repository.MailboxRepository
	prompts  *repository.PromptRepository
	client   *gateway.Client
	gw       *gateway.Throttled
	pipeline *pipeline.Pipeline
	out      io.Writer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mailctl:", err)
		os.Exit(1)
	}
	// 命令行默认只输出警告
	level := cfg.Log.Level
	if os.Getenv("LOG_LEVEL") == "" {
		level = "warn"
	}
	log := logger.NewLogger(level)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, log, os.Stdout)
	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "mailctl:", err)
		os.Exit(1)
	}
}

func newApp(cfg *config.Config, log *zap.Logger, out io.Writer) *app {
	lockOpts := filelock.Options{Timeout: cfg.Storage.LockTimeout, Interval: cfg.Storage.LockInterval}
	a := &app{
		cfg:     cfg,
		log:     log,
		mailbox: repository.NewMailboxRepository(cfg.MailboxPath(), lockOpts, log),
		prompts: repository.NewPromptRepository(cfg.PromptsPath(), lockOpts, log),
		out:     out,
	}
	a.client = gateway.NewClient(gateway.Config{
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout,
	}, log)
	a.gw = gateway.NewThrottled(a.client, cfg.LLM.MinInterval)

	stageOpts := stage.Options{
		Attempts:       cfg.LLM.Attempts,
		GatewayBackoff: cfg.LLM.Backoff,
		DraftSender:    cfg.Pipeline.DraftSender,
	}
	a.pipeline = pipeline.New(pipeline.Deps{
		Store:       a.mailbox,
		Prompts:     a.prompts,
		Categorizer: stage.NewCategorizer(a.gw, a.prompts, a.mailbox, stageOpts, log),
		Extractor:   stage.NewExtractor(a.gw, a.prompts, a.mailbox, stageOpts, log),
		Drafter:     stage.NewDrafter(a.gw, a.prompts, a.mailbox, stageOpts, log),
	}, pipeline.Options{
		DataDir:      cfg.Storage.DataDir,
		Pause:        cfg.Pipeline.Pause,
		QuotaBackoff: cfg.Pipeline.QuotaBackoff,
		BackoffSlice: cfg.Pipeline.BackoffSlice,
	}, log)
	return a
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "list":
		return a.list(ctx)
	case "show":
		return a.show(ctx, args)
	case "add":
		return a.add(ctx, args)
	case "update":
		return a.update(ctx, args)
	case "delete":
		return a.delete(ctx, args)
	case "import":
		return a.importMail(ctx, args)
	case "prompt":
		return a.prompt(ctx, args)
	case "process":
		return a.process(ctx, args)
	case "chat":
		return a.chat(ctx, args)
	case "last-error":
		return a.lastError(args)
	case "ping":
		return a.ping(ctx)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

func (a *app) list(ctx context.Context) error {
	views, err := a.pipeline.LoadAndProcess(ctx, false)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(a.out)
	table.SetHeader([]string{"ID", "From", "Subject", "Category", "Actions", "Draftable"})
	table.SetAutoWrapText(false)
	for _, v := range views {
		table.Append([]string{
			strconv.Itoa(v.ID),
			v.Sender,
			clip(v.Subject, 40),
			v.Category,
			strconv.Itoa(len(v.ActionItems)),
			v.Full.Draftable.String(),
		})
	}
	table.Render()
	return nil
}

func (a *app) show(ctx context.Context, args []string) error {
	id, err := argID(args)
	if err != nil {
		return err
	}
	m, err := a.mailbox.Get(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %d", pipeline.ErrMailNotFound, id)
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(pipeline.NewMailView(*m))
}

func (a *app) add(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	sender := fs.String("sender", "", "sender address")
	subject := fs.String("subject", "", "subject line")
	body := fs.String("body", "", "body text, - reads stdin")
	timestamp := fs.String("timestamp", time.Now().Format(time.RFC3339), "timestamp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := *body
	if text == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = string(b)
	}

	id, err := a.mailbox.Add(ctx, map[string]any{
		"sender":    *sender,
		"subject":   *subject,
		"timestamp": *timestamp,
		"body":      text,
	})
	if err != nil {
		return err
	}
	a.notifyChanged(id, "add")
	fmt.Fprintln(a.out, id)
	return nil
}

func (a *app) update(ctx context.Context, args []string) error {
	id, err := argID(args)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return errors.New("update needs at least one key=value")
	}
	patch := make(map[string]any, len(args)-1)
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("bad assignment %q", kv)
		}
		var parsed any
		if json.Unmarshal([]byte(v), &parsed) == nil {
			patch[k] = parsed
		} else {
			patch[k] = v
		}
	}

	ok, err := a.mailbox.Update(ctx, id, patch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", pipeline.ErrMailNotFound, id)
	}
	a.notifyChanged(id, "update")
	return nil
}

func (a *app) delete(ctx context.Context, args []string) error {
	id, err := argID(args)
	if err != nil {
		return err
	}
	ok, err := a.mailbox.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", pipeline.ErrMailNotFound, id)
	}
	a.notifyChanged(id, "delete")
	return nil
}

func (a *app) importMail(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("import needs a file or directory")
	}
	results, err := ingest.NewImporter(a.mailbox, a.log).ImportPath(ctx, args[0])
	imported := 0
	for _, r := range results {
		if r.Duplicate {
			fmt.Fprintf(a.out, "%s: already imported\n", r.Path)
			continue
		}
		imported++
		fmt.Fprintf(a.out, "%s: id %d\n", r.Path, r.ID)
	}
	if imported > 0 {
		a.notifyChanged(0, "import")
	}
	return err
}

func (a *app) prompt(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("prompt needs list, get or set")
	}
	if args[0] == "list" {
		prompts, err := a.prompts.List(ctx)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(a.out)
		table.SetHeader([]string{"Type", "Prompt"})
		for _, p := range prompts {
			table.Append([]string{string(p.Type), clip(p.Prompt, 60)})
		}
		table.Render()
		return nil
	}

	if len(args) < 2 {
		return errors.New("prompt get/set needs a type")
	}
	kind, ok := model.ParsePromptKind(args[1])
	if !ok {
		return fmt.Errorf("unknown prompt type %q", args[1])
	}

	switch args[0] {
	case "get":
		text, err := a.prompts.Get(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, text)
		return nil
	case "set":
		if len(args) < 3 {
			return errors.New("prompt set needs the text, or - to read stdin")
		}
		text := strings.Join(args[2:], " ")
		if text == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			text = string(b)
		}
		changed, err := a.pipeline.SavePrompt(ctx, kind, text)
		if err != nil {
			return err
		}
		if changed {
			fmt.Fprintf(a.out, "%s updated, affected mails will be reprocessed\n", kind)
			a.notifyChanged(0, "prompt")
		} else {
			fmt.Fprintf(a.out, "%s unchanged\n", kind)
		}
		return nil
	}
	return fmt.Errorf("unknown prompt action %q", args[0])
}

func (a *app) process(ctx context.Context, args []string) error {
	id, err := argID(args)
	if err != nil {
		return err
	}
	rep, err := a.pipeline.ProcessOne(ctx, id)
	if errors.Is(err, pipeline.ErrMailNotFound) || errors.Is(err, pipeline.ErrBackoffActive) {
		return err
	}

	fmt.Fprintf(a.out, "mail %d\n", rep.MailID)
	if rep.Category != "" {
		fmt.Fprintf(a.out, "  category: %s\n", rep.Category)
	}
	if rep.Extracted {
		fmt.Fprintf(a.out, "  action items: %d\n", len(rep.ActionItems))
	}
	if rep.Draft != nil {
		fmt.Fprintf(a.out, "  draft: %s", rep.Draft.Outcome)
		if rep.Draft.DraftID > 0 {
			fmt.Fprintf(a.out, " (id %d)", rep.Draft.DraftID)
		}
		fmt.Fprintln(a.out)
	}
	return err
}

func (a *app) chat(ctx context.Context, args []string) error {
	id, err := argID(args)
	if err != nil {
		return err
	}
	answer, err := chat.NewAssistant(a.gw, a.mailbox, a.log).Ask(ctx, id, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, answer)
	return nil
}

func (a *app) lastError(args []string) error {
	fs := flag.NewFlagSet("last-error", flag.ContinueOnError)
	clearErr := fs.Bool("clear", false, "remove the recorded error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clearErr {
		return a.pipeline.ClearLastError()
	}
	le := a.pipeline.LastError()
	if le == nil {
		fmt.Fprintln(a.out, "no error recorded")
		return nil
	}
	fmt.Fprintf(a.out, "%s  %s\n", le.Time().Format(time.RFC3339), le.Message)
	return nil
}

func (a *app) ping(ctx context.Context) error {
	out, err := a.client.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %s\n", a.client.Model(), out)
	return nil
}

// notifyChanged publishes mailbox.changed so a server without access to the
// data directory watcher picks the change up. Failures only get logged.
func (a *app) notifyChanged(id int, op string) {
	if a.cfg.MQ.URL == "" {
		return
	}
	pub, err := mq.NewPublisher(a.cfg.MQ.URL)
	if err != nil {
		a.log.Warn("Event publisher unavailable", zap.Error(err))
		return
	}
	defer pub.Close()
	evt := mq.NewEvent(mq.RoutingMailboxChanged, id, map[string]string{"op": op})
	if err := pub.Publish(mq.RoutingMailboxChanged, evt); err != nil {
		a.log.Warn("Failed to publish mailbox change", zap.Error(err))
	}
}

func argID(args []string) (int, error) {
	if len(args) == 0 {
		return 0, errors.New("missing mail id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid mail id %q", args[0])
	}
	return id, nil
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
