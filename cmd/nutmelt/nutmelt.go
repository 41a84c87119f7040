package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/lightning"
	"github.com/elnosh/nutmelt/server"
	"github.com/elnosh/nutmelt/wallet"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var nutmelt *wallet.Wallet

func walletConfig() (wallet.Config, error) {
	path := setWalletPath()
	// default config
	config := wallet.Config{WalletPath: path, Storage: wallet.BoltStorage}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		// env vars already set take precedence
		godotenv.Load(envPath)
	}

	if storage := os.Getenv("NUTMELT_STORAGE"); len(storage) > 0 {
		config.Storage = wallet.StorageType(strings.ToLower(storage))
	}
	config.PostgresDSN = os.Getenv("NUTMELT_POSTGRES_DSN")

	if timeout := os.Getenv("NUTMELT_MINT_TIMEOUT"); len(timeout) > 0 {
		mintTimeout, err := time.ParseDuration(timeout)
		if err != nil {
			return wallet.Config{}, fmt.Errorf("invalid NUTMELT_MINT_TIMEOUT: %v", err)
		}
		config.MintTimeout = mintTimeout
	}

	if rounds := os.Getenv("NUTMELT_FEE_ROUNDS"); len(rounds) > 0 {
		feeRounds, err := strconv.Atoi(rounds)
		if err != nil {
			return wallet.Config{}, fmt.Errorf("invalid NUTMELT_FEE_ROUNDS: %v", err)
		}
		config.FeeRounds = feeRounds
	}

	if concurrency := os.Getenv("NUTMELT_CONCURRENCY"); len(concurrency) > 0 {
		n, err := strconv.Atoi(concurrency)
		if err != nil {
			return wallet.Config{}, fmt.Errorf("invalid NUTMELT_CONCURRENCY: %v", err)
		}
		config.Concurrency = n
	}

	config.InvoiceMemo = os.Getenv("NUTMELT_INVOICE_MEMO")

	switch strings.ToLower(os.Getenv("NUTMELT_LOG")) {
	case "debug":
		config.LogLevel = wallet.Debug
	case "disable":
		config.LogLevel = wallet.Disable
	default:
		config.LogLevel = wallet.Info
	}

	lightningClient, err := lightningClient()
	if err != nil {
		return wallet.Config{}, err
	}
	config.LightningClient = lightningClient

	return config, nil
}

func lightningClient() (lightning.Client, error) {
	var client lightning.Client

	switch os.Getenv("LIGHTNING_BACKEND") {
	case "Lnd":
		lndConfig, err := lightning.LndConfigFromFiles(
			os.Getenv("LND_GRPC_HOST"),
			os.Getenv("LND_CERT_PATH"),
			os.Getenv("LND_MACAROON_PATH"),
		)
		if err != nil {
			return nil, err
		}
		client, err = lightning.SetupLndClient(lndConfig)
		if err != nil {
			return nil, fmt.Errorf("error setting LND client: %v", err)
		}

	case "CLN":
		clnConfig := lightning.CLNConfig{
			RestURL: os.Getenv("CLN_REST_URL"),
			Rune:    os.Getenv("CLN_REST_RUNE"),
		}
		var err error
		client, err = lightning.SetupCLNClient(clnConfig)
		if err != nil {
			return nil, fmt.Errorf("error setting CLN client: %v", err)
		}

	case "FakeBackend":
		client = &lightning.FakeBackend{}

	default:
		return nil, errors.New("invalid lightning backend. Set LIGHTNING_BACKEND to one of Lnd, CLN or FakeBackend")
	}

	return client, nil
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".nutmelt")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func setupWallet(ctx *cli.Context) error {
	config, err := walletConfig()
	if err != nil {
		printErr(err)
	}

	if err := config.LightningClient.ConnectionStatus(); err != nil {
		printErr(fmt.Errorf("lightning backend not available: %v", err))
	}

	nutmelt, err = wallet.LoadWallet(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func shutdownWallet(ctx *cli.Context) error {
	if nutmelt != nil {
		return nutmelt.Shutdown()
	}
	return nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "nutmelt",
		Usage: "melt cashu tokens from one or more mints to your lightning wallet",
		Commands: []*cli.Command{
			decodeCmd,
			quoteCmd,
			meltCmd,
			executeCmd,
			cancelCmd,
			checkCmd,
			historyCmd,
			serveCmd,
		},
	}
}

func formatAmount(amount uint64) string {
	return fmt.Sprintf("%v sats (%v)", amount, btcutil.Amount(amount))
}

func tokenArg(ctx *cli.Context) *cashu.Token {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}
	return token
}

var decodeCmd = &cli.Command{
	Name:      "decode",
	Usage:     "Show the mints and amounts in a token",
	ArgsUsage: "[TOKEN]",
	Action:    decode,
}

func decode(ctx *cli.Context) error {
	token := tokenArg(ctx)

	fmt.Printf("unit: %v\n", token.Unit)
	if len(token.Memo) > 0 {
		fmt.Printf("memo: %v\n", token.Memo)
	}
	for _, group := range token.Token {
		fmt.Printf("%v: %v in %v proofs\n", group.Mint, formatAmount(group.Proofs.Amount()), len(group.Proofs))
	}
	fmt.Printf("total: %v\n", formatAmount(token.Amount()))
	return nil
}

var quoteCmd = &cli.Command{
	Name:      "quote",
	Usage:     "Get melt quotes for a token without executing them",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    quote,
}

func quote(ctx *cli.Context) error {
	token := tokenArg(ctx)

	summary, err := nutmelt.MeltQuotes(ctx.Context, token)
	if err != nil {
		printErr(err)
	}
	printSummary(summary, token)
	fmt.Printf("\nexecute with: nutmelt execute %v\n", summary.Id)
	return nil
}

func printSummary(summary *wallet.MeltSummary, token *cashu.Token) {
	fmt.Printf("melt summary %v\n", summary.Id)
	for i, quote := range summary.Quotes {
		fmt.Printf("  %v. %v: receive %v, fee reserve %v\n",
			i+1, quote.Mint, formatAmount(quote.Amount), formatAmount(quote.Fees))
	}
	fmt.Printf("total to receive: %v\n", formatAmount(summary.TotalAmount))
	fmt.Printf("total fee reserve: %v\n", formatAmount(summary.TotalFees))

	if token != nil && token.Amount() > 0 {
		unclaimed := token.Unspent()
		fmt.Printf("\ncould not get quotes for %v from: %v\n", formatAmount(unclaimed.Amount()),
			strings.Join(unclaimed.Mints(), ", "))
		if serialized, err := unclaimed.Serialize(); err == nil {
			fmt.Printf("keep this token to claim them later:\n%v\n", serialized)
		}
	}
}

const yesFlag = "yes"

var meltCmd = &cli.Command{
	Name:      "melt",
	Usage:     "Melt a token to the configured lightning backend",
	ArgsUsage: "[TOKEN]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    yesFlag,
			Aliases: []string{"y"},
			Usage:   "Execute the melt without asking for confirmation",
		},
	},
	Before: setupWallet,
	After:  shutdownWallet,
	Action: melt,
}

func melt(ctx *cli.Context) error {
	token := tokenArg(ctx)

	summary, err := nutmelt.MeltQuotes(ctx.Context, token)
	if err != nil {
		printErr(err)
	}
	printSummary(summary, token)

	if !ctx.Bool(yesFlag) && !confirm("\nmelt now?") {
		if err := nutmelt.CancelMelt(summary.Id); err != nil {
			printErr(err)
		}
		fmt.Println("melt cancelled")
		return nil
	}

	return executeSummary(ctx.Context, summary)
}

var executeCmd = &cli.Command{
	Name:      "execute",
	Usage:     "Execute a melt summary from a previous quote",
	ArgsUsage: "[ID]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    execute,
}

func execute(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("melt summary id not provided"))
	}

	summary, err := nutmelt.LoadMeltSummary(args.First())
	if err != nil {
		printErr(err)
	}
	printSummary(summary, nil)

	return executeSummary(ctx.Context, summary)
}

// executeSummary returns the error so the wallet is shut down by the command's After.
func executeSummary(ctx context.Context, summary *wallet.MeltSummary) error {
	// first interrupt stops before the next quote, in-flight melts complete
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := nutmelt.ExecuteMelts(ctx, summary)
	if err != nil {
		var partialErr *wallet.PartialMeltError
		if errors.As(err, &partialErr) {
			fmt.Printf("melt failed at mint %v: %v\n", partialErr.Mint, partialErr.Err)
			fmt.Printf("received %v of %v requested\n",
				formatAmount(partialErr.Result.Amount), formatAmount(summary.TotalAmount))
			for _, quote := range summary.Quotes[partialErr.FailedAt+1:] {
				fmt.Printf("not executed: %v for %v\n", quote.Mint, formatAmount(quote.Amount))
			}
			fmt.Printf("run 'nutmelt check %v' to see the state of the proofs sent to %v\n",
				summary.Id, partialErr.Mint)
			return fmt.Errorf("melt '%v' did not complete", summary.Id)
		}
		return err
	}

	fmt.Printf("received %v of %v requested\n", formatAmount(result.Amount), formatAmount(summary.TotalAmount))
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%v (y/n): ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

var cancelCmd = &cli.Command{
	Name:      "cancel",
	Usage:     "Cancel a melt summary that has not been executed",
	ArgsUsage: "[ID]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    cancelMelt,
}

func cancelMelt(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("melt summary id not provided"))
	}

	if err := nutmelt.CancelMelt(args.First()); err != nil {
		printErr(err)
	}
	fmt.Println("melt cancelled")
	return nil
}

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "Check with the mint the proofs of the quote at which a melt failed",
	ArgsUsage: "[ID]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    check,
}

func check(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("melt summary id not provided"))
	}

	checks, err := nutmelt.CheckFailedMelt(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	unspent := cashu.Token{Token: []cashu.TokenGroup{}, Unit: cashu.Sat.String()}
	for _, check := range checks {
		fmt.Printf("quote %v at mint %v\n", check.Quote, check.Mint)
		fmt.Printf("  spent: %v\n", formatAmount(check.Spent))
		fmt.Printf("  pending: %v\n", formatAmount(check.Pending))
		fmt.Printf("  unspent: %v\n", formatAmount(check.Unspent))

		if len(check.UnspentProofs) > 0 {
			unspent.Token = append(unspent.Token, cashu.TokenGroup{Mint: check.Mint, Proofs: check.UnspentProofs})
		}
	}

	if len(unspent.Token) > 0 {
		tokenStr, err := unspent.Serialize()
		if err != nil {
			printErr(err)
		}
		fmt.Printf("unspent proofs can be claimed with token:\n%v\n", tokenStr)
	}
	return nil
}

var historyCmd = &cli.Command{
	Name:   "history",
	Usage:  "List melts",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: history,
}

func history(ctx *cli.Context) error {
	records, err := nutmelt.MeltRecords()
	if err != nil {
		printErr(err)
	}

	for _, record := range records {
		fmt.Printf("%v  %v  %-9v requested: %v  delivered: %v  fees: %v\n",
			record.CreatedAt.Local().Format(time.DateTime), record.Id, record.State,
			record.Requested, record.Delivered, record.Fees)
		if len(record.Error) > 0 {
			fmt.Printf("    failed at quote %v: %v\n", record.FailedAt, record.Error)
		}
	}
	return nil
}

var serveCmd = &cli.Command{
	Name:   "serve",
	Usage:  "Start the HTTP melt service",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: serve,
}

func serve(ctx *cli.Context) error {
	meltServer := server.SetupServer(os.Getenv("NUTMELT_LISTEN"), nutmelt, nil)

	errc := make(chan error, 1)
	go func() {
		errc <- meltServer.Start()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case <-sigc:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return meltServer.Shutdown(shutdownCtx)
	}
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
