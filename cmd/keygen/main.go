// Command keygen issues an API key for an account. The raw key is printed
// once; only its bcrypt hash is stored.
//
//	keygen -name ops -scopes admin,memos
//	keygen -account 6f1c... -name ci -scopes memos
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/apikey"
	"github.com/kiranshivaraju/memoflow/internal/config"
	"github.com/kiranshivaraju/memoflow/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("keygen failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	account uuid.UUID
	name    string
	scopes  []string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	account := fs.String("account", "", "account id (default: the seeded default account)")
	name := fs.String("name", "", "human-readable key name")
	scopes := fs.String("scopes", apikey.ScopeMemos, "comma-separated scopes: memos, admin")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	var opts options
	if *name == "" {
		return opts, fmt.Errorf("-name is required")
	}
	opts.name = *name

	if *account != "" {
		id, err := uuid.Parse(*account)
		if err != nil {
			return opts, fmt.Errorf("invalid -account: %w", err)
		}
		opts.account = id
	}

	for _, s := range strings.Split(*scopes, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !apikey.ValidScope(s) {
			return opts, fmt.Errorf("unknown scope %q", s)
		}
		opts.scopes = append(opts.scopes, s)
	}
	if len(opts.scopes) == 0 {
		return opts, fmt.Errorf("at least one scope is required")
	}
	return opts, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := store.Connect(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return issue(ctx, store.NewPostgresStore(pool), opts, out)
}

// issue mints and stores a key, writing the raw key to out.
func issue(ctx context.Context, st store.Store, opts options, out io.Writer) error {
	accountID := opts.account
	if accountID == uuid.Nil {
		acct, err := st.GetDefaultAccount(ctx)
		if err != nil {
			return fmt.Errorf("get default account: %w", err)
		}
		accountID = acct.ID
	} else if _, err := st.GetAccount(ctx, accountID); err != nil {
		return fmt.Errorf("get account %s: %w", accountID, err)
	}

	raw, key, err := apikey.New(accountID, opts.name, opts.scopes)
	if err != nil {
		return err
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store key: %w", err)
	}

	slog.Info("api key issued", "key_id", key.ID, "account_id", accountID, "prefix", key.KeyPrefix)
	_, err = fmt.Fprintln(out, raw)
	return err
}
