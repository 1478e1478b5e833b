package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rdobbeck/quaipump/internal/config"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/tradeengine"
	"github.com/rdobbeck/quaipump/internal/wallet"
)

var (
	flagMarket   string
	flagAmount   string
	flagSlippage uint16
	flagYes      bool
	flagVerbose  bool

	logger = logrus.New()
	stdin  = bufio.NewReader(os.Stdin)
)

var rootCmd = &cobra.Command{
	Use:   "tradeengine",
	Short: "Trade bonding-curve tokens from the terminal",
	Long: `Quote and execute trades against bonding-curve markets and their
graduated pools. Buys larger than the per-chunk token cap are split into
several transactions, each re-planned from fresh reserves.

Configuration is read from the environment (and .env): QUAI_RPC_URL,
WALLET_PRIVATE_KEY, MARKETS_PATH and the risk limits.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			logger.SetLevel(logrus.DebugLevel)
		}
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show a market's curve, venue and pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *tradeengine.Engine) error {
			st, err := e.State(ctx, flagMarket)
			if err != nil {
				return err
			}
			c := st.Curve
			fmt.Printf("market     %s (%s)\n", st.Market.Symbol, st.Market.Name)
			fmt.Printf("venue      %s\n", st.Venue)
			fmt.Printf("price      %s QUAI\n", c.CurrentPrice.String())
			fmt.Printf("progress   %.2f%%\n", float64(c.Progress)/100)
			fmt.Printf("virtual    %s quai / %s token\n", c.VirtualQuaiReserves, c.VirtualTokenReserves)
			fmt.Printf("real       %s quai / %s token\n", c.RealQuaiReserves, c.RealTokenReserves)
			if st.Pool != nil {
				fmt.Printf("pool       %s  %s quai / %s token  price %s\n",
					st.Pool.Pool.Hex(), st.Pool.ReserveQuai, st.Pool.ReserveToken, st.Pool.SpotPrice().String())
			}
			return nil
		})
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote <buy|sell>",
	Short: "Price a trade without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := models.TradeMode(strings.ToLower(args[0]))
		return withEngine(cmd.Context(), func(ctx context.Context, e *tradeengine.Engine) error {
			q, err := e.Quote(ctx, intent(mode))
			if err != nil {
				return err
			}
			printQuote(e, q)
			return nil
		})
	},
}

var buyCmd = &cobra.Command{
	Use:   "buy",
	Short: "Buy tokens with --amount QUAI",
	RunE: func(cmd *cobra.Command, args []string) error {
		return trade(cmd.Context(), models.ModeBuy)
	},
}

var sellCmd = &cobra.Command{
	Use:   "sell",
	Short: "Sell --amount tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return trade(cmd.Context(), models.ModeSell)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagMarket, "market", "m", "", "market symbol from the registry")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkPersistentFlagRequired("market")

	for _, c := range []*cobra.Command{quoteCmd, buyCmd, sellCmd} {
		c.Flags().StringVarP(&flagAmount, "amount", "a", "", "amount in whole units (QUAI for buys, tokens for sells)")
		c.Flags().Uint16Var(&flagSlippage, "slippage-bps", 0, "per-transaction slippage in bps (0 uses the default)")
		_ = c.MarkFlagRequired("amount")
	}
	for _, c := range []*cobra.Command{buyCmd, sellCmd} {
		c.Flags().BoolVarP(&flagYes, "yes", "y", false, "sign every transaction without asking")
	}

	rootCmd.AddCommand(stateCmd, quoteCmd, buyCmd, sellCmd)
}

func loadEnv() {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	_ = godotenv.Load(filepath.Join(projectRoot, ".env"))
}

func main() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.WarnLevel)

	loadEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if code := tradeengine.ErrorCode(err); code != "internal" {
			fmt.Fprintf(os.Stderr, "error [%s]: %v\n", code, err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func withEngine(ctx context.Context, fn func(context.Context, *tradeengine.Engine) error) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engineCfg := tradeengine.EngineConfigFromConfig(cfg)
	engineCfg.Logger = logger
	if !flagYes {
		engineCfg.Confirm = promptConfirm
	}

	e, err := tradeengine.NewEngine(ctx, engineCfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func intent(mode models.TradeMode) *tradeengine.TradeIntent {
	return &tradeengine.TradeIntent{
		Market:      flagMarket,
		Mode:        mode,
		Amount:      flagAmount,
		SlippageBps: flagSlippage,
		Reason:      "cli",
		RequestedAt: time.Now(),
	}
}

func trade(ctx context.Context, mode models.TradeMode) error {
	return withEngine(ctx, func(ctx context.Context, e *tradeengine.Engine) error {
		in := intent(mode)

		q, err := e.Quote(ctx, in)
		if err != nil {
			return err
		}
		printQuote(e, q)

		risk, err := e.CheckRisk(ctx, in)
		if err != nil {
			return err
		}
		if !risk.Allowed {
			return fmt.Errorf("%w: %s", tradeengine.ErrRiskRejected, risk.Reason)
		}

		res, err := e.Execute(ctx, in, func(p tradeengine.Progress) {
			fmt.Printf("  [%d/%d] %-7s %s  in=%s out=%s  remaining=%s\n",
				p.Index, p.EstimatedTotal, p.Step.Kind, p.Step.TxHash.Hex(),
				p.Step.AmountIn, p.Step.AmountOut(), p.Remaining)
		})
		if res != nil {
			printResult(res)
		}
		return err
	})
}

func printQuote(e *tradeengine.Engine, q *tradeengine.QuoteResult) {
	inDec, outDec := uint8(18), uint8(18)
	if m, err := e.Registry().FindBySymbol(q.Market); err == nil {
		if q.Mode == models.ModeBuy {
			outDec = m.Decimals
		} else {
			inDec = m.Decimals
		}
	}
	fmt.Printf("%s %s on %s\n", q.Mode, q.Market, q.Venue)
	fmt.Printf("  in         %s\n", markets.FormatUnits(q.AmountIn, inDec))
	fmt.Printf("  out        %s (min %s)\n", markets.FormatUnits(q.AmountOut, outDec), markets.FormatUnits(q.MinAmountOut, outDec))
	if q.ContractAmountOut != nil && q.ContractAmountOut.Cmp(q.AmountOut) != 0 {
		fmt.Printf("  contract   %s\n", markets.FormatUnits(q.ContractAmountOut, outDec))
	}
	fmt.Printf("  price      %s QUAI\n", q.ExecutionPrice.String())
	fmt.Printf("  impact     %s%%\n", q.PriceImpact.Shift(2).StringFixed(2))
	fmt.Printf("  slippage   %d bps, fee %d bps\n", q.SlippageBps, q.FeeBps)
	fmt.Printf("  txs        %d", q.EstimatedChunks)
	if q.NeedsApproval {
		fmt.Print(" + approval")
	}
	fmt.Println()
	for _, ch := range q.Chunks {
		fmt.Printf("    #%d  in %s  out %s\n", ch.Index+1, markets.FormatUnits(ch.AmountIn, inDec), markets.FormatUnits(ch.ExpectedAmountOut, outDec))
	}
}

func printResult(res *tradeengine.ExecutionResult) {
	status := "done"
	if !res.Success() {
		status = "stopped"
	}
	fmt.Printf("%s: %s filled %s of %s in %s (%d txs)\n",
		res.ExecutionID, status, res.Filled, res.AmountIn, res.Duration().Round(time.Millisecond), len(res.Confirmed))
	for _, h := range res.Unconfirmed {
		fmt.Printf("  unconfirmed %s\n", h.Hex())
	}
}

func promptConfirm(ctx context.Context, req wallet.TxRequest) (bool, error) {
	fmt.Printf("sign %s to %s? [y/N] ", req.Description, req.To.Hex())
	answer := make(chan string, 1)
	go func() {
		line, _ := stdin.ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-answer:
		return a == "y" || a == "yes", nil
	}
}
