package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/unclebandit/promo-mailer-backend/internal/client"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	api *client.Client
	out io.Writer
}

func main() {
	_ = godotenv.Load()

	api := client.New(envOr("CAMPAIGN_API_URL", "http://localhost:8080"), os.Getenv("CAMPAIGN_API_TOKEN"))
	cli := &commandLine{api: api, out: os.Stdout}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.run(ctx, os.Args); err != nil {
		if !errors.Is(err, errHelp) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  send -section TEXT [-section TEXT ...] [-image N=PATH] [-subject S] [-wait] - submit a campaign")
	fmt.Fprintln(cli.out, "  status -id ID [-wait] [-max-wait DURATION] - show or wait for campaign progress")
	fmt.Fprintln(cli.out, "  list [-page N] [-page-size N] - list campaigns, newest first")
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ", ") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "send":
		fs := flag.NewFlagSet("send", flag.ContinueOnError)
		subject := fs.String("subject", "", "Subject line. The server default is used when empty.")
		wait := fs.Bool("wait", false, "Poll until the campaign completes.")
		maxWait := fs.Duration("max-wait", 30*time.Minute, "Give up waiting after this long.")
		var sections, images multiFlag
		fs.Var(&sections, "section", "Section content, in order. Repeatable.")
		fs.Var(&images, "image", "Attach an image to section N (0-based) as N=PATH. Repeatable.")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		if len(sections) == 0 {
			fs.Usage()
			return errHelp
		}
		return cli.send(ctx, *subject, sections, images, *wait, *maxWait)

	case "status":
		fs := flag.NewFlagSet("status", flag.ContinueOnError)
		id := fs.String("id", "", "Campaign id.")
		wait := fs.Bool("wait", false, "Poll until the campaign completes.")
		maxWait := fs.Duration("max-wait", 30*time.Minute, "Give up waiting after this long.")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		if *id == "" {
			fs.Usage()
			return errHelp
		}
		if *wait {
			return cli.wait(ctx, *id, *maxWait)
		}
		st, err := cli.api.Status(ctx, *id)
		if err != nil {
			return err
		}
		cli.printStatus(st)
		return nil

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		page := fs.Int("page", 1, "Page number.")
		pageSize := fs.Int("page-size", 20, "Campaigns per page.")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		resp, err := cli.api.ListCampaigns(ctx, *page, *pageSize)
		if err != nil {
			return err
		}
		for _, c := range resp.Templates {
			fmt.Fprintf(cli.out, "%s  %s  %d/%d sent, %d failed  %q\n",
				c.ID, c.CreatedAt.Format(time.RFC3339), c.SendStats.Sent, c.SendStats.TotalRecipients, c.SendStats.Failed, c.Subject)
		}
		fmt.Fprintf(cli.out, "page %d of %d (%d campaigns)\n",
			resp.Pagination["page"], resp.Pagination["total_pages"], resp.Pagination["total_count"])
		return nil

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) send(ctx context.Context, subject string, contents, images []string, wait bool, maxWait time.Duration) error {
	sections := make([]client.Section, len(contents))
	for i, c := range contents {
		sections[i].Content = c
	}
	for _, spec := range images {
		var idx int
		var path string
		n, _ := fmt.Sscanf(spec, "%d=", &idx)
		if eq := strings.IndexByte(spec, '='); n == 1 && eq > 0 {
			path = spec[eq+1:]
		}
		if path == "" || idx < 0 || idx >= len(sections) {
			return fmt.Errorf("invalid -image %q, want N=PATH with N a section index", spec)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sections[idx].Image = data
		sections[idx].ImageFilename = filepath.Base(path)
	}

	id, err := cli.api.CreateCampaign(ctx, subject, sections)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, "campaign accepted:", id)

	if !wait {
		return nil
	}
	return cli.wait(ctx, id, maxWait)
}

func (cli *commandLine) wait(ctx context.Context, id string, maxWait time.Duration) error {
	cli.api.MaxElapsed = maxWait
	st, err := cli.api.WaitForCompletion(ctx, id, cli.printStatus)
	if errors.Is(err, client.ErrGaveUp) && st != nil && st.IsStalled {
		return fmt.Errorf("campaign %s stalled with %d of %d attempted", id, st.SendStats.Sent+st.SendStats.Failed, st.SendStats.TotalRecipients)
	}
	return err
}

func (cli *commandLine) printStatus(st *model.CampaignStatus) {
	state := "sending"
	switch {
	case st.IsCompleted:
		state = "completed"
	case st.IsStalled:
		state = "stalled"
	}
	fmt.Fprintf(cli.out, "%s: %d sent, %d failed of %d\n", state, st.SendStats.Sent, st.SendStats.Failed, st.SendStats.TotalRecipients)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
