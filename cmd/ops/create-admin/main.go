// Package main implements the create-admin CLI for rotarydesk.
//
// Dashboard operators are not self-service: this tool creates an operator,
// or resets the password and role of an existing one, directly in Postgres.
//
// Usage:
//
//	go run ./cmd/ops/create-admin --username=governor
//	echo -n "$PASSWORD" | go run ./cmd/ops/create-admin --username=secretary --password-stdin
//
// Without --password-stdin a random password is generated and printed once
// on stdout. The database connection comes from the usual environment
// configuration (DATABASE_URL and friends).
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rotarydesk/internal/auth"
	"rotarydesk/internal/config"
	"rotarydesk/internal/db"
	"rotarydesk/internal/types"
)

// generatedPasswordBytes is the entropy of a generated password; hex
// encoding doubles its length.
const generatedPasswordBytes = 12

// minPasswordLength applies to passwords supplied on stdin.
const minPasswordLength = 10

// AdminSaver persists an operator.
type AdminSaver interface {
	Upsert(ctx context.Context, username, passwordHash, role string) (*types.AdminUser, error)
}

var _ AdminSaver = (*db.AdminRepository)(nil)

// Options are the parsed command-line flags.
type Options struct {
	Username      string
	Role          string
	PasswordStdin bool
	Environment   string
}

// Tool holds the I/O and collaborators of one invocation.
type Tool struct {
	Admins AdminSaver
	Hasher auth.PasswordHasher
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig(config.NewFileProvider())
	if err != nil {
		logger.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}
	opts.Environment = cfg.Environment

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("connecting to database failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	tool := &Tool{
		Admins: db.NewAdminRepository(pool),
		Hasher: auth.BcryptHasher{},
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: logger,
	}
	if err := tool.Run(ctx, opts); err != nil {
		logger.Error("create-admin failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (Options, error) {
	fs := flag.NewFlagSet("create-admin", flag.ContinueOnError)
	username := fs.String("username", "", "Operator login name [required]")
	role := fs.String("role", "admin", "Operator role")
	passwordStdin := fs.Bool("password-stdin", false, "Read the password from stdin instead of generating one")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	opts := Options{
		Username:      strings.TrimSpace(*username),
		Role:          strings.TrimSpace(*role),
		PasswordStdin: *passwordStdin,
	}
	if opts.Username == "" {
		return Options{}, errors.New("--username is required")
	}
	if opts.Role == "" {
		return Options{}, errors.New("--role must not be empty")
	}
	return opts, nil
}

// Run creates or updates the operator described by opts. In prod it asks
// for an explicit "yes" on stdin first, so it cannot be combined with
// --password-stdin there.
func (t *Tool) Run(ctx context.Context, opts Options) error {
	in := bufio.NewReader(t.Stdin)

	if opts.Environment == "prod" {
		if opts.PasswordStdin {
			return errors.New("--password-stdin cannot be used against prod; use a generated password")
		}
		if !confirmProduction(in, t.Stderr, opts.Username) {
			fmt.Fprintln(t.Stderr, "Aborted. No changes were made.")
			return nil
		}
	}

	password, generated, err := t.password(in, opts.PasswordStdin)
	if err != nil {
		return err
	}

	hash, err := t.Hasher.GenerateFromPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	user, err := t.Admins.Upsert(ctx, opts.Username, hash, opts.Role)
	if err != nil {
		return err
	}

	t.Logger.Info("operator saved", "id", user.ID, "username", user.Username, "role", user.Role)
	if generated {
		fmt.Fprintf(t.Stdout, "%s\n", password)
	}
	return nil
}

func (t *Tool) password(in *bufio.Reader, fromStdin bool) (string, bool, error) {
	if !fromStdin {
		p, err := generatePassword()
		return p, true, err
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return "", false, fmt.Errorf("reading password: %w", err)
	}
	p := strings.TrimRight(string(raw), "\r\n")
	if len(p) < minPasswordLength {
		return "", false, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	return p, false, nil
}

func generatePassword() (string, error) {
	buf := make([]byte, generatedPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating password: crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// confirmProduction returns true if the operator types "yes"
// (case-insensitive).
func confirmProduction(in *bufio.Reader, out io.Writer, username string) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out, "  WARNING: You are writing to the PRODUCTION database")
	fmt.Fprintf(out, "  Operator: %s\n", username)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprint(out, "Type 'yes' to continue: ")

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}
