// settlectl drives the settlement engine from the command line: account
// checks, history scans, payment verification, and (with a signing bridge
// running) single and batch payments.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	settle "github.com/kalebeat/settle"
	"github.com/kalebeat/settle/horizon"
	"github.com/kalebeat/settle/relay"
	"github.com/kalebeat/settle/scan"
	"github.com/kalebeat/settle/session"
	"github.com/kalebeat/settle/signers/authbridge"
	"github.com/kalebeat/settle/turnstile"
)

type options struct {
	horizonURL    string
	relayURL      string
	bridgeURL     string
	turnstileURL  string
	devToken      string
	batchContract string
	tokenContract string
	storePath     string
	account       string
	asset         string
	logLevel      string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Sign, submit and verify ledger payments",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.horizonURL, "horizon", horizon.DefaultURL, "horizon base URL")
	pf.StringVar(&opts.relayURL, "relay", "", "relay base URL")
	pf.StringVar(&opts.bridgeURL, "bridge", "http://127.0.0.1:7420", "authenticator bridge URL")
	pf.StringVar(&opts.turnstileURL, "turnstile", "", "token service URL")
	pf.StringVar(&opts.devToken, "dev-token", "", "static submission token for relays that do not enforce tokens")
	pf.StringVar(&opts.batchContract, "batch-contract", "", "batch-transfer contract address")
	pf.StringVar(&opts.tokenContract, "token-contract", "", "asset token contract address")
	pf.StringVar(&opts.storePath, "store", defaultStorePath(), "session store path")
	pf.StringVar(&opts.account, "account", "", "ledger account address")
	pf.StringVar(&opts.asset, "asset", "native", "asset code")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		accountCmd(opts),
		scanCmd(opts),
		verifyCmd(opts),
		sendCmd(opts),
		batchCmd(opts),
		credentialCmd(opts),
		balancesCmd(opts),
	)
	return cmd
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "settle.db"
	}
	return home + "/.settle/session.db"
}

func (o *options) logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func (o *options) horizonClient(log zerolog.Logger) *horizon.Client {
	return horizon.NewClient(horizon.Config{URL: o.horizonURL, Logger: log})
}

func (o *options) scanner(log zerolog.Logger) (*scan.Scanner, error) {
	return scan.NewScanner(scan.Config{Reader: o.horizonClient(log), Logger: log})
}

func (o *options) openStore(log zerolog.Logger, lock *settle.TxLock) (*session.Store, error) {
	if dir := filepath.Dir(o.storePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, settle.WrapError(settle.KindUnknown, "create session store directory", err)
		}
	}
	lockHeld := func() bool { return false }
	if lock != nil {
		lockHeld = lock.Held
	}
	return session.Open(session.Config{
		Path:     o.storePath,
		Account:  o.account,
		Source:   o.horizonClient(log),
		LockHeld: lockHeld,
		Logger:   log,
	})
}

func (o *options) tokens(log zerolog.Logger) (settle.TokenProvider, error) {
	switch {
	case o.turnstileURL != "":
		return turnstile.NewProvider(turnstile.Config{URL: o.turnstileURL, Logger: log})
	case o.devToken != "":
		// Explicit opt-out of per-submission tokens, for relays that do
		// not enforce them.
		return turnstile.Static(o.devToken), nil
	default:
		return nil, settle.NewError(settle.KindValidation, "either --turnstile or --dev-token is required for payments")
	}
}

// engine wires the full write path. The lock is shared between the executor
// and the session store so balance refreshes never race a submission.
func (o *options) engine(log zerolog.Logger) (*settle.Executor, *session.Store, settle.TokenProvider, error) {
	if o.relayURL == "" {
		return nil, nil, nil, settle.NewError(settle.KindValidation, "--relay is required for payments")
	}
	if o.account == "" {
		return nil, nil, nil, settle.NewError(settle.KindValidation, "--account is required for payments")
	}

	lock := &settle.TxLock{}
	store, err := o.openStore(log, lock)
	if err != nil {
		return nil, nil, nil, err
	}
	signer, err := authbridge.NewSigner(authbridge.Config{
		URL:           o.bridgeURL,
		BatchContract: o.batchContract,
		TokenContract: o.tokenContract,
		Logger:        log,
	})
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	tokens, err := o.tokens(log)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	hz := o.horizonClient(log)
	exec, err := settle.NewExecutor(settle.ExecutorConfig{
		Oracle:    hz,
		Signer:    signer,
		Relay:     relay.NewClient(relay.Config{URL: o.relayURL, Logger: log}),
		Session:   store,
		Lock:      lock,
		Confirmer: hz,
		Logger:    log,
		Metrics:   settle.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return exec, store, tokens, nil
}

func accountCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "account <address>",
		Short: "Check that an account exists and print its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger()
			s, err := opts.scanner(log)
			if err != nil {
				return err
			}
			if !s.AccountExists(cmd.Context(), args[0]) {
				return settle.NewError(settle.KindValidation, "account does not exist or could not be verified")
			}
			balance, err := opts.horizonClient(log).AccountBalance(cmd.Context(), args[0], opts.asset)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s %s\n", args[0], balance, opts.asset)
			return nil
		},
	}
}

func scanCmd(opts *options) *cobra.Command {
	var limit, pages int
	cmd := &cobra.Command{
		Use:   "scan <address>",
		Short: "List recent transfers for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger()
			s, err := opts.scanner(log)
			if err != nil {
				return err
			}
			res, err := s.ScanOperations(cmd.Context(), args[0], scan.Options{Limit: limit, MaxPages: pages})
			if err != nil {
				return err
			}
			for _, rec := range res.Records {
				fmt.Printf("%s  %s -> %s  %s %s  tx=%s\n",
					rec.ClosedAt.Format(time.RFC3339), rec.From, rec.To, rec.Amount, rec.Asset, rec.TxHash)
			}
			if res.HasMore {
				fmt.Println("(more history available)")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&pages, "pages", 0, "maximum pages to scan")
	return cmd
}

func verifyCmd(opts *options) *cobra.Command {
	var recipient string
	var amounts []string
	var tolerance string
	cmd := &cobra.Command{
		Use:   "verify <address>",
		Short: "Verify that transfers to a recipient appear in ledger history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger()
			s, err := opts.scanner(log)
			if err != nil {
				return err
			}
			expected := make([]decimal.Decimal, 0, len(amounts))
			for _, a := range amounts {
				d, err := decimal.NewFromString(a)
				if err != nil {
					return settle.Errorf(settle.KindValidation, "bad amount %q", a)
				}
				expected = append(expected, d)
			}
			tol := decimal.Zero
			if tolerance != "" {
				if tol, err = decimal.NewFromString(tolerance); err != nil {
					return settle.Errorf(settle.KindValidation, "bad tolerance %q", tolerance)
				}
			}
			matches, err := s.FindTransfersTo(cmd.Context(), args[0], recipient, expected, tol)
			if err != nil {
				return err
			}
			for _, rec := range matches {
				fmt.Printf("matched %s %s  op=%s tx=%s\n", rec.Amount, rec.Asset, rec.OperationRef, rec.TxHash)
			}
			if len(matches) < len(expected) {
				return settle.Errorf(settle.KindValidation, "only %d of %d expected transfers found", len(matches), len(expected))
			}
			fmt.Println("all transfers verified")
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "to", "", "recipient address")
	cmd.Flags().StringSliceVar(&amounts, "amount", nil, "expected amount (repeatable)")
	cmd.Flags().StringVar(&tolerance, "tolerance", "", "amount matching tolerance")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func sendCmd(opts *options) *cobra.Command {
	var memo string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "send <recipient> <amount>",
		Short: "Sign and submit a single payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return settle.Errorf(settle.KindValidation, "bad amount %q", args[1])
			}
			log := opts.logger()
			exec, store, tokens, err := opts.engine(log)
			if err != nil {
				return err
			}
			defer store.Close()

			token, err := tokens.Token(cmd.Context())
			if err != nil {
				return err
			}
			intent := settle.NewIntent(settle.OpPayment, opts.asset, []settle.Recipient{
				{Address: args[0], Amount: amount},
			})
			intent.AuthRequired = true
			intent.TurnstileToken = token
			intent.Memo = memo

			res, err := exec.Execute(cmd.Context(), intent)
			if err != nil {
				return err
			}
			fmt.Printf("submitted tx=%s status=%s\n", res.Hash, res.Status)

			if confirm {
				if err := exec.ConfirmSettlement(cmd.Context(), res.Hash, settle.PollOptions{}); err != nil {
					return err
				}
				fmt.Println("settled")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&memo, "memo", "", "transaction memo")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "poll until the transaction appears in history")
	return cmd
}

func batchCmd(opts *options) *cobra.Command {
	var chunkSize int
	cmd := &cobra.Command{
		Use:   "batch <address:amount> [address:amount ...]",
		Short: "Settle a multi-recipient payment in chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipients := make([]settle.Recipient, 0, len(args))
			for _, arg := range args {
				addr, raw, ok := strings.Cut(arg, ":")
				if !ok {
					return settle.Errorf(settle.KindValidation, "expected address:amount, got %q", arg)
				}
				amount, err := decimal.NewFromString(raw)
				if err != nil {
					return settle.Errorf(settle.KindValidation, "bad amount in %q", arg)
				}
				recipients = append(recipients, settle.Recipient{Address: addr, Amount: amount})
			}

			log := opts.logger()
			exec, store, tokens, err := opts.engine(log)
			if err != nil {
				return err
			}
			defer store.Close()

			coord, err := settle.NewCoordinator(settle.CoordinatorConfig{
				Executor:  exec,
				Tokens:    tokens,
				ChunkSize: chunkSize,
				Logger:    log,
			})
			if err != nil {
				return err
			}

			summary, err := coord.Settle(cmd.Context(), opts.asset, recipients)
			fmt.Printf("chunks settled: %d/%d\n", summary.SucceededChunks, summary.TotalChunks)
			for _, hash := range summary.Hashes {
				fmt.Printf("  tx=%s\n", hash)
			}
			if !summary.Complete() {
				fmt.Printf("unpaid recipients: %d\n", len(summary.Remaining))
				for _, r := range summary.Remaining {
					fmt.Printf("  %s %s\n", r.Address, r.Amount)
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "recipients per transaction")
	return cmd
}

func balancesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Print locally cached balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(opts.logger(), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			for _, snap := range store.Balances() {
				fmt.Printf("%s  %s %s  as of %s\n", snap.Account, snap.Amount, snap.Asset, snap.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func credentialCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the enrolled signing credential",
	}

	var contractID, keyID, rpID string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store an enrolled credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(opts.logger(), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SaveCredential(settle.CredentialHandle{
				ContractID: contractID,
				KeyID:      keyID,
				RPID:       rpID,
			})
		},
	}
	set.Flags().StringVar(&contractID, "contract", "", "wallet contract id")
	set.Flags().StringVar(&keyID, "key", "", "credential key id")
	set.Flags().StringVar(&rpID, "rp", "", "relying party id")
	set.MarkFlagRequired("contract")
	set.MarkFlagRequired("key")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the enrolled credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(opts.logger(), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			handle, ok := store.Credential()
			if !ok {
				return settle.NewError(settle.KindValidation, "no credential enrolled")
			}
			fmt.Printf("contract=%s key=%s rp=%s\n", handle.ContractID, handle.KeyID, handle.RPID)
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Remove the enrolled credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(opts.logger(), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.InvalidateCredential()
		},
	}

	cmd.AddCommand(set, show, clear)
	return cmd
}
