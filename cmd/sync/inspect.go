package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harborline/catalog-sync/internal/app/sync"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
)

// featureLimit is the longest feature value the target system accepts;
// inspect flags anything over it.
const featureLimit = 255

// displayTruncate bounds long values in table output.
const displayTruncate = 120

func newInspectCommand(configPath *string) *cobra.Command {
	var (
		batchNum int
		index    int
		sku      string
		check    bool
		handle   string
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Interrogate the stored manifest and the batches it describes",
		Long: `Inspects the checkpoint manifest left behind by a failed or in-progress
run. With no flags it prints a batch summary table. Batch and product detail
views rebuild the batch contents from a live catalog fetch using the
manifest's cutoff, so they can drift from what the failed run actually sent
if the catalog changed since.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if index >= 0 && batchNum == 0 {
				return errors.New("--index requires --batch")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.close()

			manifest, err := loadManifest(ctx, app, handle)
			if err != nil {
				return err
			}
			if manifest == nil {
				return errors.New("no manifest found; nothing to inspect")
			}

			out := cmd.OutOrStdout()

			if sku == "" && !check && batchNum == 0 {
				inspectSummary(out, manifest)
				return nil
			}

			batches, err := rebuildBatches(ctx, app, manifest)
			if err != nil {
				return err
			}

			switch {
			case sku != "":
				return inspectSKU(out, batches, sku)
			case check:
				inspectCheck(out, batches)
				return nil
			case index >= 0:
				return inspectProduct(out, batches, batchNum, index)
			default:
				return inspectBatch(out, batches, manifest, batchNum)
			}
		},
	}

	cmd.Flags().IntVar(&batchNum, "batch", 0, "inspect batch N in detail (1-indexed)")
	cmd.Flags().IntVar(&index, "index", -1, "show the single product at position I within --batch N (0-indexed)")
	cmd.Flags().StringVar(&sku, "sku", "", "find a product by SKU across all batches")
	cmd.Flags().BoolVar(&check, "check", false, "scan all batches and report price/feature violations")
	cmd.Flags().StringVar(&handle, "handle", "", "manifest handle to inspect (default: the most recent manifest)")

	return cmd
}

// loadManifest resolves the manifest to inspect: by handle when given,
// otherwise the most recently updated manifest of either mode.
func loadManifest(ctx context.Context, app *app, handle string) (*catalog.Manifest, error) {
	if handle != "" {
		h, err := uuid.Parse(handle)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest handle %q: %w", handle, err)
		}
		return app.store.LoadByHandle(ctx, h)
	}

	var latest *catalog.Manifest
	for _, mode := range []catalog.RunMode{catalog.RunModeFull, catalog.RunModeIncremental} {
		m, err := app.store.Load(ctx, mode)
		if err != nil {
			return nil, err
		}
		if m != nil && (latest == nil || m.UpdatedAt().After(latest.UpdatedAt())) {
			latest = m
		}
	}
	return latest, nil
}

// rebuildBatches reconstructs the manifest's batch layout from a live fetch.
// Assembly is deterministic (records sorted by SKU, fixed-size partitions),
// so as long as the catalog has not changed since the run, indexes line up
// with the manifest's.
func rebuildBatches(ctx context.Context, app *app, m *catalog.Manifest) ([]*catalog.Batch, error) {
	app.log.Info(ctx, "rebuilding batches from a live catalog fetch",
		"mode", m.Mode(), "handle", m.Handle())

	snap, err := app.source.FetchCatalog(ctx, m.Cutoff())
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}

	records := app.assembler.Assemble(snap)
	return sync.Partition(records, app.cfg.Sync.BatchSize), nil
}

func batchStatus(m *catalog.Manifest, index int) string {
	for _, fb := range m.FailedBatches() {
		if fb.Index == index {
			return "failed"
		}
	}
	if index <= m.HighestSentIndex() {
		return "sent"
	}
	return "pending"
}

func inspectSummary(out io.Writer, m *catalog.Manifest) {
	fmt.Fprintf(out, "Manifest handle  : %s\n", m.Handle())
	fmt.Fprintf(out, "Mode             : %s\n", m.Mode())
	if cutoff := m.Cutoff(); cutoff != nil {
		fmt.Fprintf(out, "Cutoff           : %s\n", cutoff.UTC().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Created          : %s\n", m.CreatedAt().UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated          : %s\n", m.UpdatedAt().UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Total products   : %d\n", m.TotalProducts())
	fmt.Fprintf(out, "Total batches    : %d\n", m.TotalBatches())
	fmt.Fprintln(out)

	const col = "%-8s %-10s %s\n"
	fmt.Fprintf(out, col, "Batch", "Status", "Detail")
	fmt.Fprintln(out, strings.Repeat("-", 60))
	for i := 0; i < m.TotalBatches(); i++ {
		detail := ""
		for _, fb := range m.FailedBatches() {
			if fb.Index == i {
				detail = fmt.Sprintf("%d skus — %s", len(fb.SKUs), trunc(fb.Reason, 60))
			}
		}
		fmt.Fprintf(out, col, strconv.Itoa(i+1), batchStatus(m, i), detail)
	}
}

func inspectBatch(out io.Writer, batches []*catalog.Batch, m *catalog.Manifest, batchNum int) error {
	b, err := pickBatch(batches, batchNum)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Batch %d — status: %s  size: %d\n\n", batchNum, batchStatus(m, b.Index()), b.Size())

	const col = "%-6s %-10s %-30s %-14s %-9s %s\n"
	fmt.Fprintf(out, col, "Index", "ID", "SKU", "Price", "Features", "Flags")
	fmt.Fprintln(out, strings.Repeat("-", 100))

	for i, p := range b.Records() {
		fmt.Fprintf(out, col,
			strconv.Itoa(i),
			p.ID,
			trunc(p.SKU, 30),
			formatPrice(p.Price),
			strconv.Itoa(len(p.Features)),
			recordFlags(p))
	}
	return nil
}

func inspectProduct(out io.Writer, batches []*catalog.Batch, batchNum, index int) error {
	b, err := pickBatch(batches, batchNum)
	if err != nil {
		return err
	}
	records := b.Records()
	if index >= len(records) {
		return fmt.Errorf("index %d out of range (0-%d) for batch %d", index, len(records)-1, batchNum)
	}
	p := records[index]

	fmt.Fprintf(out, "Batch %d, index %d\n", batchNum, index)
	fmt.Fprintln(out, strings.Repeat("-", 60))

	scalar := []struct {
		name  string
		value string
	}{
		{"id", p.ID},
		{"sku", p.SKU},
		{"title", p.Title},
		{"status", string(p.Status)},
		{"price", formatPrice(p.Price)},
		{"default_currency", p.Currency},
		{"vendor", p.Vendor},
		{"product_type", p.ProductType},
		{"url", p.URL},
		{"image_url", p.ImageURL},
		{"updated_at", p.UpdatedAt.UTC().Format("2006-01-02 15:04:05")},
	}
	for _, f := range scalar {
		if f.value != "" {
			fmt.Fprintf(out, "  %-20s %s\n", f.name, f.value)
		}
	}
	if p.Description != "" {
		fmt.Fprintf(out, "  %-20s %s\n", "description", trunc(p.Description, displayTruncate))
	}

	if len(p.Features) > 0 {
		fmt.Fprintf(out, "\n  Features (%d):\n", len(p.Features))
		const fcol = "    %-40s %-6s %s\n"
		fmt.Fprintf(out, fcol, "Key", "Len", "Value")
		fmt.Fprintln(out, "    "+strings.Repeat("-", 90))

		keys := make([]string, 0, len(p.Features))
		for k := range p.Features {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			v := p.Features[k]
			flag := ""
			if len(v) > featureLimit {
				flag = "  *** OVER LIMIT"
			}
			fmt.Fprintf(out, fcol, k, strconv.Itoa(len(v)), trunc(v, displayTruncate)+flag)
		}
	}
	return nil
}

func inspectSKU(out io.Writer, batches []*catalog.Batch, sku string) error {
	found := false
	for _, b := range batches {
		for i, p := range b.Records() {
			if p.SKU != sku {
				continue
			}
			found = true
			fmt.Fprintf(out, "Found in batch %d, index %d\n", b.Index()+1, i)
			if err := inspectProduct(out, batches, b.Index()+1, i); err != nil {
				return err
			}
			fmt.Fprintln(out)
		}
	}
	if !found {
		fmt.Fprintf(out, "SKU %q not found in any batch.\n", sku)
	}
	return nil
}

func inspectCheck(out io.Writer, batches []*catalog.Batch) {
	type priceViolation struct {
		batch, index int
		sku, title   string
	}
	type featureViolation struct {
		batch, index int
		sku, key     string
		value        string
	}

	var nullPrices []priceViolation
	var oversized []featureViolation

	for _, b := range batches {
		for i, p := range b.Records() {
			if p.Price == nil {
				nullPrices = append(nullPrices, priceViolation{b.Index() + 1, i, p.SKU, p.Title})
			}
			keys := make([]string, 0, len(p.Features))
			for k := range p.Features {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if v := p.Features[k]; len(v) > featureLimit {
					oversized = append(oversized, featureViolation{b.Index() + 1, i, p.SKU, k, v})
				}
			}
		}
	}

	if len(nullPrices) > 0 {
		fmt.Fprintf(out, "NULL PRICES (%d products):\n", len(nullPrices))
		const col = "  %-8s %-7s %-30s %s\n"
		fmt.Fprintf(out, col, "Batch", "Index", "SKU", "Title")
		fmt.Fprintln(out, "  "+strings.Repeat("-", 80))
		for _, v := range nullPrices {
			fmt.Fprintf(out, col, strconv.Itoa(v.batch), strconv.Itoa(v.index), trunc(v.sku, 30), trunc(v.title, 40))
		}
	} else {
		fmt.Fprintln(out, "No null prices found.")
	}

	fmt.Fprintln(out)

	if len(oversized) > 0 {
		fmt.Fprintf(out, "FEATURE VIOLATIONS >%d chars (%d occurrences):\n", featureLimit, len(oversized))
		const col = "  %-8s %-7s %-30s %-40s %-6s %s\n"
		fmt.Fprintf(out, col, "Batch", "Index", "SKU", "Feature key", "Len", "Value (truncated)")
		fmt.Fprintln(out, "  "+strings.Repeat("-", 120))
		for _, v := range oversized {
			fmt.Fprintf(out, col,
				strconv.Itoa(v.batch), strconv.Itoa(v.index), trunc(v.sku, 30), v.key,
				strconv.Itoa(len(v.value)), trunc(v.value, displayTruncate))
		}
	} else {
		fmt.Fprintf(out, "No feature values exceeding %d characters found.\n", featureLimit)
	}
}

func pickBatch(batches []*catalog.Batch, batchNum int) (*catalog.Batch, error) {
	if batchNum < 1 || batchNum > len(batches) {
		return nil, fmt.Errorf("batch %d does not exist (1-%d)", batchNum, len(batches))
	}
	return batches[batchNum-1], nil
}

func recordFlags(p catalog.ProductRecord) string {
	var flags []string
	if p.Price == nil {
		flags = append(flags, "NULL PRICE")
	}
	var keys []string
	for k, v := range p.Features {
		if len(v) > featureLimit {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		flags = append(flags, fmt.Sprintf("FEATURE>%d: %s", featureLimit, strings.Join(keys, ", ")))
	}
	return strings.Join(flags, "  ")
}

func formatPrice(p *float64) string {
	if p == nil {
		return "NULL"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func trunc(s string, limit int) string {
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
