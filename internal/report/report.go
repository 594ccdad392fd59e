// Package report renders run and sweep summaries as terminal tables.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/sweep"
)

// RunSummary condenses a step log into the figures printed after a run.
type RunSummary struct {
	Name       string
	Status     string
	Steps      int
	Final      model.StepRecord
	StartAPR   decimal.Decimal
	Applied    int
	Rejected   int
	ByKind     map[model.IntentKind]int
	Rejections map[string]int
}

// Summarize builds a RunSummary from records in step order.
func Summarize(name, status string, records []model.StepRecord) RunSummary {
	s := RunSummary{
		Name:       name,
		Status:     status,
		Steps:      len(records),
		ByKind:     make(map[model.IntentKind]int),
		Rejections: make(map[string]int),
	}
	if len(records) == 0 {
		return s
	}
	s.StartAPR = records[0].FixedAPR
	s.Final = records[len(records)-1]
	for _, rec := range records {
		for _, tr := range rec.Trades {
			if tr.Status == model.TradeApplied {
				s.Applied++
				if tr.Intent != nil {
					s.ByKind[tr.Intent.Kind]++
				}
				continue
			}
			s.Rejected++
			s.Rejections[string(tr.Status)]++
		}
	}
	return s
}

// WriteRun renders the market and agent tables for s.
func WriteRun(w io.Writer, s RunSummary) {
	m := table.NewWriter()
	m.SetOutputMirror(w)
	m.SetStyle(table.StyleLight)
	m.SetTitle("run %s (%s)", s.Name, s.Status)
	m.AppendHeader(table.Row{"Metric", "Value"})
	m.AppendRows([]table.Row{
		{"steps", s.Steps},
		{"days elapsed", s.Final.Time.String()},
		{"share price", s.Final.Market.SharePrice.StringFixed(6)},
		{"share reserves", s.Final.Market.ShareReserves.StringFixed(4)},
		{"bond reserves", s.Final.Market.BondReserves.StringFixed(4)},
		{"spot price", s.Final.SpotPrice.StringFixed(6)},
		{"fixed apr (first step)", pct(s.StartAPR)},
		{"fixed apr (last step)", pct(s.Final.FixedAPR)},
		{"trades applied", s.Applied},
		{"trades rejected", s.Rejected},
	})
	for _, kind := range sortedKinds(s.ByKind) {
		m.AppendRow(table.Row{"  " + string(kind), s.ByKind[kind]})
	}
	m.Render()

	if len(s.Final.Wallets) == 0 {
		return
	}
	a := table.NewWriter()
	a.SetOutputMirror(w)
	a.SetStyle(table.StyleLight)
	a.AppendHeader(table.Row{"Agent", "Policy", "Cash", "LP Shares", "Longs", "Shorts"})
	total := decimal.Zero
	for _, ws := range s.Final.Wallets {
		a.AppendRow(table.Row{
			ws.AgentID,
			ws.Policy,
			ws.Wallet.Cash.StringFixed(2),
			ws.Wallet.LPShares.StringFixed(2),
			bondTotal(ws.Wallet.Open(model.Long)).StringFixed(2),
			bondTotal(ws.Wallet.Open(model.Short)).StringFixed(2),
		})
		total = total.Add(ws.Wallet.Cash)
	}
	a.AppendFooter(table.Row{"", "total", total.StringFixed(2)})
	a.SetColumnConfigs(rightAligned(3, 4, 5, 6))
	a.Render()
}

// WriteSweep renders one row per seed followed by the aggregate.
func WriteSweep(w io.Writer, name string, results []sweep.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("sweep %s", name)
	t.AppendHeader(table.Row{"Seed", "Status", "Steps", "Spot", "Fixed APR", "Applied", "Rejected", "Cash"})
	for _, r := range results {
		status := string(r.Status)
		if r.Error != "" {
			status += ": " + r.Error
		}
		t.AppendRow(table.Row{
			r.Seed, status, r.Steps,
			r.SpotPrice.StringFixed(6), pct(r.FixedAPR),
			r.Applied, r.Rejected, r.TotalCash.StringFixed(2),
		})
	}
	st := sweep.Aggregate(results)
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d runs", st.Runs),
		fmt.Sprintf("%d failed", st.Failed),
		"",
		st.MeanSpot.StringFixed(6),
		fmt.Sprintf("%s [%s, %s]", pct(st.MeanAPR), pct(st.MinAPR), pct(st.MaxAPR)),
		"", "",
		st.TotalCash.StringFixed(2),
	})
	t.SetColumnConfigs(rightAligned(3, 4, 6, 7, 8))
	t.Render()
}

func pct(v decimal.Decimal) string {
	return v.Shift(2).StringFixed(4) + "%"
}

func bondTotal(ps []model.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range ps {
		sum = sum.Add(p.BondAmount)
	}
	return sum
}

func sortedKinds(m map[model.IntentKind]int) []model.IntentKind {
	out := make([]model.IntentKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func rightAligned(cols ...int) []table.ColumnConfig {
	out := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		out[i] = table.ColumnConfig{Number: c, Align: text.AlignRight}
	}
	return out
}
