package tui

import (
	"fmt"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/pior/redis"
	"github.com/pior/redis/reliability/metrics"
)

const (
	refreshRate = 200 * time.Millisecond
	maxLogs     = 20
)

// Dashboard renders the collector samples with termui: throughput and error
// charts, pool and client tables, and a log of breaker transitions and
// scenario switches. Pressing n asks the runner for the next scenario.
type Dashboard struct {
	collector *metrics.Collector
	history   *history
	started   time.Time

	header      *widgets.Paragraph
	scenarioBox *widgets.Paragraph
	opsChart    *widgets.Plot
	errorChart  *widgets.Plot
	throughput  *widgets.Gauge
	poolTable   *widgets.Table
	clientTable *widgets.Table
	logsList    *widgets.List

	scenarioName  string
	scenarioDesc  string
	scenarioNames []string
	switches      chan string

	logs        []string
	seenSamples int
	seenChanges int

	// Widgets are only touched by the Run goroutine; other goroutines post.
	posted  chan func()
	stopped chan struct{}
}

func NewDashboard(collector *metrics.Collector) *Dashboard {
	return &Dashboard{
		collector: collector,
		history:   newHistory(30),
		started:   time.Now(),
		switches:  make(chan string, 1),
		posted:    make(chan func(), 64),
		stopped:   make(chan struct{}),
	}
}

// post runs fn on the Run goroutine. It is dropped once Run returned.
func (d *Dashboard) post(fn func()) {
	select {
	case d.posted <- fn:
	case <-d.stopped:
	}
}

// SetAvailableScenarios enables the n key, cycling through names.
func (d *Dashboard) SetAvailableScenarios(names []string) {
	d.scenarioNames = names
}

// GetScenarioSwitchChannel receives the scenario picked with the n key.
func (d *Dashboard) GetScenarioSwitchChannel() <-chan string {
	return d.switches
}

func (d *Dashboard) Init() error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("termui: %w", err)
	}

	d.header = newParagraph("Redis Reliability Test", ui.ColorCyan)
	d.header.TitleStyle = ui.NewStyle(ui.ColorWhite, ui.ColorClear, ui.ModifierBold)
	d.header.Text = d.headerText(0)

	d.scenarioBox = newParagraph("Scenario", ui.ColorWhite)
	d.updateScenarioBox()

	d.opsChart = newPlot("Operations/sec (thousands)", ui.ColorGreen, ui.ColorGreen)
	d.errorChart = newPlot("Error Rate %", ui.ColorRed, ui.ColorYellow)

	d.throughput = widgets.NewGauge()
	d.throughput.Title = "Throughput"
	d.throughput.BarColor = ui.ColorClear
	d.throughput.BorderStyle.Fg = ui.ColorCyan
	d.throughput.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.poolTable = newTable("Pool", poolHeader)
	d.clientTable = newTable("Client", clientHeader)

	d.logsList = widgets.NewList()
	d.logsList.Title = "Events"
	d.logsList.Rows = []string{"No events yet"}
	d.logsList.TextStyle = ui.NewStyle(ui.ColorWhite)
	d.logsList.BorderStyle.Fg = ui.ColorCyan

	d.layout()
	return nil
}

func newParagraph(title string, border ui.Color) *widgets.Paragraph {
	p := widgets.NewParagraph()
	p.Title = title
	p.TextStyle = ui.NewStyle(ui.ColorWhite)
	p.BorderStyle.Fg = border
	return p
}

var (
	poolHeader   = []string{"Server", "Circuit", "Conns", "Active", "Idle", "Created", "Destroyed", "Consec", "Total"}
	clientHeader = []string{"Commands", "Pipelines", "Tx", "Aborted", "Server errs", "Conn errs", "Resets", "Mismatches"}
)

func newPlot(title string, line, border ui.Color) *widgets.Plot {
	p := widgets.NewPlot()
	p.Title = title
	p.Data = [][]float64{{0, 0}} // Plot needs at least 2 points
	p.LineColors[0] = line
	p.AxesColor = ui.ColorWhite
	p.BorderStyle.Fg = border
	p.Marker = widgets.MarkerBraille
	p.HorizontalScale = 1000 // hides the X-axis labels
	return p
}

func newTable(title string, header []string) *widgets.Table {
	t := widgets.NewTable()
	t.Title = title
	t.Rows = [][]string{header}
	t.TextStyle = ui.NewStyle(ui.ColorWhite)
	t.RowSeparator = false
	t.BorderStyle.Fg = ui.ColorMagenta
	t.TextAlignment = ui.AlignLeft
	t.RowStyles[0] = ui.NewStyle(ui.ColorWhite, ui.ColorClear, ui.ModifierBold)
	return t
}

// layout stacks the rows top to bottom; the events list takes what is left.
func (d *Dashboard) layout() {
	width, height := ui.TerminalDimensions()
	half := width / 2

	// chart width minus borders and Y axis labels
	d.history.resize(max(half-10, 10))

	y := 0
	row := func(h int, place func(top, bottom int)) {
		place(y, y+h)
		y += h
	}
	full := func(b interface{ SetRect(int, int, int, int) }) func(int, int) {
		return func(top, bottom int) { b.SetRect(0, top, width, bottom) }
	}

	row(3, full(d.header))
	if d.hasScenario() {
		row(3, full(d.scenarioBox))
	}
	row(10, func(top, bottom int) {
		d.opsChart.SetRect(0, top, half, bottom)
		d.errorChart.SetRect(half, top, width, bottom)
	})
	row(3, full(d.throughput))
	row(4, full(d.poolTable))
	row(4, full(d.clientTable))
	row(max(height-y, 3), full(d.logsList))
}

// Update applies the samples collected since the last call.
func (d *Dashboard) Update() {
	samples := d.collector.GetSnapshots()
	if len(samples) == 0 || len(samples) <= d.seenSamples {
		return
	}
	latest := samples[len(samples)-1]
	d.seenSamples = len(samples)

	d.history.add(latest.Timestamp, latest.WorkloadStats)

	if ops := d.history.opsPerSec.values(); len(ops) >= 2 {
		d.opsChart.Data[0] = ops
		d.opsChart.Title = fmt.Sprintf("Operations/sec (thousands) - current: %.1fk", d.history.currentOpsPerSec/1000)
	}
	if errs := d.history.errorPct.values(); len(errs) >= 2 {
		d.errorChart.Data[0] = errs
		d.errorChart.Title = fmt.Sprintf("Error Rate %% (current: %.2f%%)", d.history.currentErrorRate*100)
	}

	// full scale is 50k ops/sec
	ws := latest.WorkloadStats
	d.throughput.Percent = min(int(d.history.currentOpsPerSec/500), 100)
	d.throughput.Label = fmt.Sprintf("%.0f ops/sec, %d ops: %d ok, %d failed",
		d.history.currentOpsPerSec, ws.TotalOps, ws.SuccessOps, ws.FailedOps)

	d.poolTable.Rows = [][]string{poolHeader, poolRow(latest.Pool)}
	d.clientTable.Rows = [][]string{clientHeader, clientRow(latest)}

	changes := d.collector.GetCircuitChanges()
	for _, change := range changes[min(d.seenChanges, len(changes)):] {
		d.logs = append(d.logs, change.String())
	}
	d.seenChanges = len(changes)
	if len(d.logs) > 0 {
		d.logsList.Rows = d.logs[max(len(d.logs)-maxLogs, 0):]
	}

	d.header.Text = d.headerText(time.Since(d.started).Round(time.Second))
}

func poolRow(s redis.ServerPoolStats) []string {
	p := s.PoolStats
	return []string{
		s.Addr,
		s.CircuitBreakerState.String(),
		fmt.Sprint(p.TotalConns),
		fmt.Sprint(p.ActiveConns),
		fmt.Sprint(p.IdleConns),
		fmt.Sprint(p.CreatedConns),
		fmt.Sprint(p.DestroyedConns),
		fmt.Sprint(s.CircuitBreakerCounts.ConsecutiveFailures),
		fmt.Sprint(s.CircuitBreakerCounts.TotalFailures),
	}
}

func clientRow(s metrics.Snapshot) []string {
	cs := s.ClientStats
	return []string{
		fmt.Sprint(cs.Commands),
		fmt.Sprint(cs.Pipelines),
		fmt.Sprint(cs.Transactions),
		fmt.Sprint(cs.AbortedTx),
		fmt.Sprint(cs.ServerErrors),
		fmt.Sprint(cs.ConnectionErrors),
		fmt.Sprint(cs.SessionResets),
		fmt.Sprint(s.WorkloadStats.MismatchOps),
	}
}

func (d *Dashboard) headerText(runtime time.Duration) string {
	text := "Press 'q' to quit"
	if len(d.scenarioNames) > 0 {
		text += " | 'n' next scenario"
	}
	if runtime > 0 {
		text = fmt.Sprintf("Runtime: %s | %s", runtime, text)
	}
	return text
}

func (d *Dashboard) Render() {
	items := []ui.Drawable{d.header}
	if d.hasScenario() {
		items = append(items, d.scenarioBox)
	}
	ui.Render(append(items, d.opsChart, d.errorChart, d.throughput, d.poolTable, d.clientTable, d.logsList)...)
}

func (d *Dashboard) hasScenario() bool {
	return d.scenarioName != "" || d.scenarioDesc != ""
}

// SetScenario shows the running scenario. With an empty name, description is
// shown as a status line.
func (d *Dashboard) SetScenario(name, description string) {
	d.post(func() {
		d.scenarioName, d.scenarioDesc = name, description
		d.updateScenarioBox()
		d.layout()
	})
}

func (d *Dashboard) updateScenarioBox() {
	text, color := "No active scenario", ui.ColorWhite
	if d.scenarioDesc != "" {
		text = d.scenarioDesc
	}
	if d.scenarioName != "" {
		text, color = fmt.Sprintf("[%s]\n%s", d.scenarioName, d.scenarioDesc), ui.ColorYellow
	}
	d.scenarioBox.Text = text
	d.scenarioBox.BorderStyle.Fg = color
}

func (d *Dashboard) AddLog(message string) {
	at := time.Now()
	d.post(func() { d.log(at, message) })
}

func (d *Dashboard) log(at time.Time, message string) {
	d.logs = append(d.logs, fmt.Sprintf("[%s] %s", at.Format(time.TimeOnly), message))
}

func (d *Dashboard) Close() {
	ui.Close()
}

// Run draws the dashboard until done is closed or the user quits.
func (d *Dashboard) Run(done <-chan struct{}) error {
	defer close(d.stopped)
	if err := d.Init(); err != nil {
		return err
	}
	defer d.Close()

	keys := map[string]func(){
		"n": d.switchScenario,
		"<Resize>": func() {
			d.layout()
			ui.Clear()
			d.Render()
		},
	}

	events := ui.PollEvents()
	tick := time.NewTicker(refreshRate)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return nil
		case fn := <-d.posted:
			fn()
		case <-tick.C:
			d.Update()
			d.Render()
		case e := <-events:
			if e.ID == "q" || e.ID == "<C-c>" {
				return nil
			}
			if handle, ok := keys[e.ID]; ok {
				handle()
			}
		}
	}
}

func (d *Dashboard) switchScenario() {
	if len(d.scenarioNames) == 0 {
		return
	}
	next := nextScenario(d.scenarioNames, d.scenarioName)

	select {
	case d.switches <- next:
		d.log(time.Now(), "Switching to scenario: "+next)
	default:
		d.log(time.Now(), "Cannot switch scenario right now")
	}
}

// nextScenario returns the name following current, wrapping around.
func nextScenario(names []string, current string) string {
	idx := -1
	for i, name := range names {
		if name == current {
			idx = i
			break
		}
	}
	return names[(idx+1)%len(names)]
}
