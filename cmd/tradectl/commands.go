package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"hl-chat-trader/internal/app"
	"hl-chat-trader/internal/command"
	"hl-chat-trader/internal/exec"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/monitor"
	"hl-chat-trader/internal/order"

	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

//nolint:gochecknoglobals // Cobra boilerplate
var (
	closeFraction float64
	leverageValue int
	leverageCross bool
	placeDryRun   bool
)

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the configured market to its asset id",
		Args:  cobra.NoArgs,
		RunE:  runResolve,
	}
	midCmd := &cobra.Command{
		Use:   "mid",
		Short: "Print the current mid price",
		Args:  cobra.NoArgs,
		RunE:  runMid,
	}
	parseCmd := &cobra.Command{
		Use:   "parse <text>",
		Short: "Parse a chat command without touching the network",
		Long: `Parse a chat command the way the chat loop does.

Examples:
  tradectl parse long \$100 5x
  tradectl parse "short 250 3x limit 2800"
  tradectl parse close half`,
		Args: cobra.MinimumNArgs(1),
		RunE: runParse,
	}
	positionCmd := &cobra.Command{
		Use:   "position",
		Short: "Show a user's position",
		Args:  cobra.NoArgs,
		RunE:  runPosition,
	}
	placeCmd := &cobra.Command{
		Use:   "place <text>",
		Short: "Place an order described in chat syntax",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPlace,
	}
	placeCmd.Flags().BoolVar(&placeDryRun, "dry-run", false, "print the derived order and exit")
	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Close all or part of a user's position",
		Args:  cobra.NoArgs,
		RunE:  runClose,
	}
	closeCmd.Flags().Float64Var(&closeFraction, "fraction", 1, "fraction of the position to close, in (0, 1]")
	cancelAllCmd := &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every open order on the configured market",
		Args:  cobra.NoArgs,
		RunE:  runCancelAll,
	}
	leverageCmd := &cobra.Command{
		Use:   "leverage",
		Short: "Set a user's leverage on the configured market",
		Args:  cobra.NoArgs,
		RunE:  runLeverage,
	}
	leverageCmd.Flags().IntVar(&leverageValue, "value", 0, "leverage to set")
	leverageCmd.Flags().BoolVar(&leverageCross, "cross", false, "use cross margin")
	_ = leverageCmd.MarkFlagRequired("value")

	enableDexCmd := &cobra.Command{
		Use:   "enable-dex",
		Short: "Let a user's agent trade builder dexes without per-dex approval",
		Args:  cobra.NoArgs,
		RunE:  runEnableDex,
	}

	rootCmd.AddCommand(resolveCmd, midCmd, parseCmd, positionCmd, placeCmd, closeCmd, cancelAllCmd, leverageCmd, enableDexCmd)
}

func runResolve(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	d, err := newReadDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	asset, err := d.resolver.Asset()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "asset=%s id=%d sz_decimals=%d max_leverage=%d isolated_only=%t\n",
		d.resolver.Config().FullName, asset.AssetID, asset.Decimals, asset.MaxLeverage, asset.IsolatedOnly())
	return nil
}

func runMid(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	d, err := newReadDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	mid, err := d.oracle.MidPrice(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s mid=%g\n", d.resolver.Config().FullName, mid)
	return nil
}

func runParse(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	parsed, err := command.Parse(strings.Join(args, " "), app.LimitsFromConfig(cfg.Trading))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, describe(parsed))
	return nil
}

func describe(c command.Command) string {
	switch v := c.(type) {
	case command.TradeCommand:
		return fmt.Sprintf("trade: %s (margin $%.2f)", v.Intent, v.Intent.Margin())
	case command.CloseCommand:
		return fmt.Sprintf("close: %g of position", v.Fraction)
	}
	return "unknown command"
}

func runPosition(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	d, err := newReadDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	if err := d.openUsers(ctx); err != nil {
		return err
	}
	acct, err := d.account(ctx)
	if err != nil {
		return err
	}
	snap, err := d.accounts.Snapshot(ctx, acct.WalletAddress.Hex())
	if err != nil {
		return err
	}
	if snap.Position == nil {
		fmt.Fprintf(out, "no open %s position, account value $%.2f\n", d.resolver.Config().FullName, snap.Balance.AccountValue)
		return nil
	}
	fmt.Fprintln(out, monitor.Digest(d.resolver.Config().FullName, snap))
	return nil
}

func runPlace(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	if placeDryRun {
		return dryRunPlace(ctx, cmd.OutOrStdout(), strings.Join(args, " "))
	}
	d, err := newTradeDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	intent, err := tradeIntent(strings.Join(args, " "), d.exec.Limits())
	if err != nil {
		return err
	}
	acct, err := d.account(ctx)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), d.exec.PlaceOrder(ctx, acct.Agent(), intent))
}

func dryRunPlace(ctx context.Context, out io.Writer, text string) error {
	d, err := newReadDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	asset, err := d.resolver.Asset()
	if err != nil {
		return err
	}
	limits := app.LimitsFromConfig(d.cfg.Trading).ForAsset(asset.MaxLeverage)
	intent, err := tradeIntent(text, limits)
	if err != nil {
		return err
	}
	mid, err := d.oracle.MidPrice(ctx)
	if err != nil {
		return err
	}
	sizing, err := order.NewSizer(d.cfg.Trading.SlippageBps).Size(intent, asset, mid)
	if err != nil {
		return err
	}
	tif := exchange.TifIoc
	if intent.Type == order.TypeLimit {
		tif = exchange.TifGtc
	}
	wire, err := exchange.LimitOrderWire(asset.AssetID, intent.Side.IsBuy(), sizing.NativeSize,
		exchange.NormalizePrice(sizing.ExecPrice, asset.Decimals), false, tif, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "order: asset_id=%d %s size=%s price=%s tif=%s (exec %g, mid %g)\n",
		wire.Asset, intent, wire.Size, wire.Price, tif, sizing.ExecPrice, mid)
	return nil
}

func tradeIntent(text string, limits order.Limits) (order.Intent, error) {
	parsed, err := command.Parse(text, limits)
	if err != nil {
		return order.Intent{}, err
	}
	trade, ok := parsed.(command.TradeCommand)
	if !ok {
		return order.Intent{}, errors.New("text describes a close; use tradectl close")
	}
	return trade.Intent, nil
}

func runClose(cmd *cobra.Command, _ []string) error {
	if closeFraction <= 0 || closeFraction > 1 {
		return errors.New("--fraction must be in (0, 1]")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	d, err := newTradeDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	acct, err := d.account(ctx)
	if err != nil {
		return err
	}
	if closeFraction == 1 {
		return printResult(cmd.OutOrStdout(), d.exec.ClosePosition(ctx, acct.Agent()))
	}
	return printResult(cmd.OutOrStdout(), d.exec.ClosePartialPosition(ctx, acct.Agent(), closeFraction))
}

func runCancelAll(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	d, err := newTradeDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	acct, err := d.account(ctx)
	if err != nil {
		return err
	}
	batch := d.exec.CancelAllOrders(ctx, acct.Agent())
	if batch.Err != nil {
		return batch.Err
	}
	for _, res := range batch.Results {
		if res.OK() {
			fmt.Fprintf(out, "cancelled %d\n", res.OrderID)
		} else {
			fmt.Fprintf(out, "failed %d: %s\n", res.OrderID, res.Err.Reason)
		}
	}
	fmt.Fprintf(out, "cancelled=%d failed=%d\n", batch.Cancelled(), batch.Failed())
	return nil
}

func runLeverage(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	d, err := newTradeDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	acct, err := d.account(ctx)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), d.exec.UpdateLeverage(ctx, acct.Agent(), leverageValue, leverageCross))
}

func runEnableDex(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	d, err := newTradeDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	acct, err := d.account(ctx)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), d.exec.EnableDexAbstraction(ctx, acct.Agent()))
}

func printResult(out io.Writer, res exec.Result) error {
	if !res.OK() {
		return res.Err
	}
	switch res.Outcome {
	case exec.OutcomeFilled:
		fmt.Fprintf(out, "filled oid=%d size=%g avg_px=%g\n", res.OrderID, res.Size, res.AvgPrice)
	case exec.OutcomeResting:
		fmt.Fprintf(out, "resting oid=%d\n", res.OrderID)
	default:
		fmt.Fprintln(out, res.Outcome)
	}
	return nil
}
