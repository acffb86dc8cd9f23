// Command wmctl drives the invisimark API from a terminal: upload an image,
// request a watermark, wait for it and verify suspect copies.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"invisimark/internal/auth"
	"invisimark/internal/client"
	"invisimark/internal/models"
	"invisimark/internal/poll"
)

var errUsage = errors.New("usage")

const usage = `usage: wmctl [-api URL] [-token JWT] <command> [flags]

commands:
  upload <file>      upload an image (-apply to request a watermark, -wait to block until done)
  apply -id ID       request a watermark for an uploaded image
  status -id ID      print the watermark status
  wait -id ID        poll until the watermark is done or failed (-out FILE to download)
  verify <file>      check whether an image carries a known watermark
  token -sub ID      mint a development token from JWT_SECRET
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: failed to read .env:", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout)
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, "Error:", err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	case err != nil:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("wmctl", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	api := global.String("api", envOr("WMCTL_API", "http://localhost:4000"), "API base URL")
	token := global.String("token", os.Getenv("WMCTL_TOKEN"), "bearer token")
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if global.NArg() == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	if cmd == "token" {
		return runToken(rest, stdout)
	}
	if strings.TrimSpace(*token) == "" {
		return errors.New("no token; pass -token or set WMCTL_TOKEN")
	}
	c := client.New(*api, *token)

	switch cmd {
	case "upload":
		return runUpload(ctx, c, rest, stdout)
	case "apply":
		return runApply(ctx, c, rest, stdout)
	case "status":
		return runStatus(ctx, c, rest, stdout)
	case "wait":
		return runWait(ctx, c, rest, stdout)
	case "verify":
		return runVerify(ctx, c, rest, stdout)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func runUpload(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("upload", flag.ContinueOnError)
	apply := fset.Bool("apply", false, "request a watermark after upload")
	wait := fset.Bool("wait", false, "wait for the watermark (implies -apply)")
	method := fset.String("method", "", "embedding method")
	if err := fset.Parse(args); err != nil || fset.NArg() != 1 {
		return fmt.Errorf("%w: upload <file>", errUsage)
	}

	f, err := os.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	job, err := c.Upload(ctx, filepath.Base(f.Name()), f)
	if err != nil {
		return err
	}
	if !*apply && !*wait {
		return printJSON(stdout, job)
	}
	if _, err := c.Apply(ctx, job.ID, methodOptions(*method)); err != nil {
		return err
	}
	if !*wait {
		return printJSON(stdout, map[string]any{"id": job.ID, "status": models.StatusQueued})
	}
	return waitAndPrint(ctx, c, job.ID, poll.DefaultPolicy, stdout)
}

func runApply(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("apply", flag.ContinueOnError)
	idFlag := fset.String("id", "", "image id")
	method := fset.String("method", "", "embedding method")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	id, err := parseID(*idFlag)
	if err != nil {
		return err
	}
	wm, err := c.Apply(ctx, id, methodOptions(*method))
	if err != nil {
		return err
	}
	return printJSON(stdout, wm)
}

func runStatus(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("status", flag.ContinueOnError)
	idFlag := fset.String("id", "", "image id")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	id, err := parseID(*idFlag)
	if err != nil {
		return err
	}
	wm, err := c.Status(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(stdout, wm)
}

func runWait(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("wait", flag.ContinueOnError)
	idFlag := fset.String("id", "", "image id")
	interval := fset.Duration("interval", poll.DefaultPolicy.Interval, "delay between status reads")
	attempts := fset.Int("attempts", poll.DefaultPolicy.MaxAttempts, "maximum status reads")
	out := fset.String("out", "", "download the result to this file")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	id, err := parseID(*idFlag)
	if err != nil {
		return err
	}
	policy := poll.Policy{Interval: *interval, MaxAttempts: *attempts}
	if *out == "" {
		return waitAndPrint(ctx, c, id, policy, stdout)
	}

	if _, err := client.WaitForWatermark(ctx, c, id, policy); err != nil {
		return err
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	n, err := c.Download(ctx, id, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return printJSON(stdout, map[string]any{"id": id, "file": *out, "bytes": n})
}

func runVerify(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: verify <file>", errUsage)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := c.Verify(ctx, filepath.Base(f.Name()), f)
	if err != nil {
		return err
	}
	return printJSON(stdout, res)
}

func runToken(args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fset.String("sub", "", "subject id")
	email := fset.String("email", "", "email")
	ttl := fset.Duration("ttl", time.Hour, "token lifetime")
	if err := fset.Parse(args); err != nil || *sub == "" {
		return fmt.Errorf("%w: token -sub ID", errUsage)
	}
	authn, err := auth.NewAuthenticator(os.Getenv("JWT_SECRET"))
	if err != nil {
		return err
	}
	tok, err := authn.Issue(models.Identity{Subject: *sub, Email: *email}, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

func waitAndPrint(ctx context.Context, c *client.Client, id uuid.UUID, policy poll.Policy, stdout io.Writer) error {
	wm, err := client.WaitForWatermark(ctx, c, id, policy)
	if errors.Is(err, poll.ErrStillProcessing) {
		fmt.Fprintln(os.Stderr, "still processing; check again later with: wmctl status -id", id)
		return printJSON(stdout, wm)
	}
	if err != nil {
		return err
	}
	return printJSON(stdout, wm)
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: -id must be an image id", errUsage)
	}
	return id, nil
}

func methodOptions(method string) map[string]any {
	if method == "" {
		return map[string]any{}
	}
	return map[string]any{"method": method}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
