// Package main – admin subcommand: live monitoring table rendered with bubbletea + lipgloss.
package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	admingrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/admin"
)

const adminRefreshInterval = 500 * time.Millisecond

// ---- Data types -------------------------------------------------------------

type adminConn struct {
	addr   string
	client *admingrpc.Client
}

type adminRow struct {
	addr        string
	nodeID      string
	role        string
	status      string
	leaderID    string
	term        string
	lastLog     int64
	applied     int64
	snapshots   int64
	stateID     string
	members     int
	lastContact string
	peers       string
	haltErr     string
	err         string
}

// ---- Bubbletea messages -----------------------------------------------------

type tickMsg time.Time

type rowsMsg struct {
	rows []adminRow
	ts   time.Time
}

// ---- Lipgloss styles --------------------------------------------------------

type uiStyles struct {
	dotHealthy   lipgloss.Style
	dotHalted    lipgloss.Style
	dotUnknown   lipgloss.Style
	dotSelected  lipgloss.Style
	addr         lipgloss.Style
	nodeNorm     lipgloss.Style
	nodeLead     lipgloss.Style
	roleLeader   lipgloss.Style
	roleCand     lipgloss.Style
	roleFollow   lipgloss.Style
	leaderSelf   lipgloss.Style
	leaderOther  lipgloss.Style
	leaderNone   lipgloss.Style
	termVal      lipgloss.Style
	metric       lipgloss.Style
	stateVal     lipgloss.Style
	tableHeader  lipgloss.Style
	appHeader    lipgloss.Style
	tsStyle      lipgloss.Style
	footer       lipgloss.Style
	divider      lipgloss.Style
	alertsHdr    lipgloss.Style
	errorDot     lipgloss.Style
	errorKindSty lipgloss.Style
	peerLabel    lipgloss.Style
	peerValue    lipgloss.Style
	sumDim       lipgloss.Style
	sumHealthy   lipgloss.Style
	sumErrors    lipgloss.Style
	sumLeader    lipgloss.Style
	sumHalted    lipgloss.Style
	ldrMissing   lipgloss.Style
}

var styles = buildStyles()

func buildStyles() uiStyles {
	// "1"=red  "2"=green  "3"=yellow  "4"=blue  "5"=magenta  "6"=cyan
	// "7"=white  "8"=bright-black
	return uiStyles{
		dotHealthy:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		dotHalted:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		dotUnknown:   lipgloss.NewStyle().Faint(true),
		dotSelected:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		addr:         lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("6")),
		nodeNorm:     lipgloss.NewStyle(),
		nodeLead:     lipgloss.NewStyle().Bold(true),
		roleLeader:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		roleCand:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		roleFollow:   lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		leaderSelf:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		leaderOther:  lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		leaderNone:   lipgloss.NewStyle().Faint(true),
		termVal:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		metric:       lipgloss.NewStyle().Faint(true),
		stateVal:     lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		tableHeader:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Background(lipgloss.Color("8")),
		appHeader:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		tsStyle:      lipgloss.NewStyle().Faint(true),
		footer:       lipgloss.NewStyle().Faint(true),
		divider:      lipgloss.NewStyle().Faint(true),
		alertsHdr:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		errorDot:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		errorKindSty: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		peerLabel:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		peerValue:    lipgloss.NewStyle().Faint(true),
		sumDim:       lipgloss.NewStyle().Faint(true),
		sumHealthy:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		sumErrors:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		sumLeader:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		sumHalted:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		ldrMissing:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
	}
}

// ---- Column widths ----------------------------------------------------------

type adminColWidths struct {
	addr   int
	node   int
	role   int
	leader int
	state  int
}

// adminColumnsForWidth computes variable column widths to fill contentWidth.
// Returns (cols, showState) where showState indicates the STATE column is visible.
func adminColumnsForWidth(rows []adminRow, contentWidth int) (adminColWidths, bool) {
	col := adminColWidths{addr: 12, node: 5, role: 8, leader: 4, state: 36}

	maxAddr := len("ADDR")
	maxNode := len("NODE")
	maxLeader := len("LEADER")
	for _, r := range rows {
		maxAddr = maxInt(maxAddr, len(r.addr))
		maxNode = maxInt(maxNode, len(r.nodeID))
		maxLeader = maxInt(maxLeader, len(r.leaderID))
	}
	col.addr = clampInt(maxAddr, 8, 16)
	col.node = clampInt(maxNode, 4, 10)
	col.leader = clampInt(maxLeader, 2, 10)

	baseVar := col.addr + col.node + col.role + col.leader
	showState := contentWidth >= 110
	// ST(2)+TERM(4)+LOG(6)+APL(6)+SNAP(4)+CFG(3)+11 spaces = 36
	fixed := 36
	if showState {
		fixed += col.state + 1
	}
	targetVar := contentWidth - fixed
	if targetVar <= 0 {
		return col, showState
	}

	extra := targetVar - baseVar
	if extra < 0 {
		type shrinkEntry struct {
			cur *int
			min int
		}
		deficit := -extra
		for _, s := range []shrinkEntry{
			{&col.addr, 4},
			{&col.leader, 2},
			{&col.node, 4},
			{&col.role, 6},
		} {
			if deficit == 0 {
				break
			}
			capacity := *s.cur - s.min
			if capacity <= 0 {
				continue
			}
			delta := minInt(deficit, capacity)
			*s.cur -= delta
			deficit -= delta
		}
		return col, showState
	}
	col.addr += minInt(extra, 8)
	return col, showState
}

// ---- Cell renderers ---------------------------------------------------------
// Each renderer pads the raw value to `width` visible chars, then applies a
// lipgloss style so column-width math stays exact.

func renderStatusDot(status, errStr string, selected bool) string {
	if selected {
		return styles.dotSelected.Render("▶") + " "
	}
	if errStr != "" {
		return styles.dotHalted.Render("●") + " "
	}
	switch status {
	case "healthy":
		return styles.dotHealthy.Render("●") + " "
	case "halted", "aborted":
		return styles.dotHalted.Render("●") + " "
	default:
		return styles.dotUnknown.Render("·") + " "
	}
}

func pad(s string, width int) string {
	return fmt.Sprintf("%-*s", width, shorten(s, width))
}

func renderRoleCell(s string, width int) string {
	padded := pad(s, width)
	switch s {
	case "leader":
		return styles.roleLeader.Render(padded)
	case "candidate":
		return styles.roleCand.Render(padded)
	case "follower":
		return styles.roleFollow.Render(padded)
	default:
		return padded
	}
}

func renderLeaderCell(s string, width int, role string) string {
	padded := pad(s, width)
	if s == "" {
		return styles.leaderNone.Render(padded)
	}
	if role == "leader" {
		return styles.leaderSelf.Render(padded)
	}
	return styles.leaderOther.Render(padded)
}

func renderMetricCell(v int64, width int) string {
	return styles.metric.Render(fmt.Sprintf("%*d", width, v))
}

// makeTableRow builds the single-line string for one admin row.
// selected=true replaces the status dot with the cursor arrow ▶.
func makeTableRow(r adminRow, cols adminColWidths, showState, selected bool) string {
	dot := renderStatusDot(r.status, r.err, selected)

	if r.err != "" {
		dash := "-"
		base := dot + " " +
			styles.addr.Render(pad(r.addr, cols.addr)) +
			" " + pad(dash, cols.node) +
			" " + pad(dash, cols.role) +
			" " + pad(dash, cols.leader) +
			" " + fmt.Sprintf("%4s", dash) +
			" " + fmt.Sprintf("%6s", dash) +
			" " + fmt.Sprintf("%6s", dash) +
			" " + fmt.Sprintf("%4s", dash)
		if showState {
			base += " " + pad(dash, cols.state)
		}
		return base + " " + fmt.Sprintf("%-3s", dash)
	}

	node := pad(r.nodeID, cols.node)
	if r.role == "leader" {
		node = styles.nodeLead.Render(node)
	}
	base := dot + " " +
		styles.addr.Render(pad(r.addr, cols.addr)) +
		" " + node +
		" " + renderRoleCell(r.role, cols.role) +
		" " + renderLeaderCell(r.leaderID, cols.leader, r.role) +
		" " + styles.termVal.Render(fmt.Sprintf("%4s", shorten(r.term, 4))) +
		" " + renderMetricCell(r.lastLog, 6) +
		" " + renderMetricCell(r.applied, 6) +
		" " + renderMetricCell(r.snapshots, 4)
	if showState {
		base += " " + styles.stateVal.Render(pad(r.stateID, cols.state))
	}
	return base + " " + fmt.Sprintf("%-3s", formatCFG(r.members))
}

// renderHeader returns the styled table header line padded to contentWidth.
func renderHeader(cols adminColWidths, showState bool, contentWidth int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-2s", "ST")
	fmt.Fprintf(&b, " %-*s", cols.addr, headerLabel("ADDR", cols.addr))
	fmt.Fprintf(&b, " %-*s", cols.node, headerLabel("NODE", cols.node))
	fmt.Fprintf(&b, " %-*s", cols.role, headerLabel("ROLE", cols.role))
	fmt.Fprintf(&b, " %-*s", cols.leader, headerLabel("LEADER", cols.leader))
	fmt.Fprintf(&b, " %4s", "TERM")
	fmt.Fprintf(&b, " %6s", "LOG")
	fmt.Fprintf(&b, " %6s", "APL")
	fmt.Fprintf(&b, " %4s", "SNAP")
	if showState {
		fmt.Fprintf(&b, " %-*s", cols.state, "STATE")
	}
	fmt.Fprintf(&b, " %-3s", "CFG")
	return styles.tableHeader.Width(contentWidth).MaxWidth(contentWidth).Render(b.String())
}

// renderSummary returns the "[N total] [N healthy] ..." line.
func renderSummary(rows []adminRow) string {
	total := len(rows)
	healthy, halted, errorsN, leaders := 0, 0, 0, 0
	for _, r := range rows {
		if r.err != "" {
			errorsN++
			continue
		}
		switch r.status {
		case "healthy":
			healthy++
		case "halted", "aborted":
			halted++
		}
		if r.role == "leader" {
			leaders++
		}
	}
	bracket := func(st lipgloss.Style, label string, n int) string {
		d := styles.sumDim
		return d.Render("[") + st.Render(fmt.Sprintf("%d", n)) + d.Render(" "+label+"]")
	}
	return strings.Join([]string{
		bracket(lipgloss.NewStyle(), "total", total),
		bracket(styles.sumHealthy, "healthy", healthy),
		bracket(styles.sumHalted, "halted", halted),
		bracket(styles.sumErrors, "errors", errorsN),
		bracket(styles.sumLeader, "leader", leaders),
	}, " ")
}

// buildAlertLines returns alert lines (without the divider/header).
func buildAlertLines(rows []adminRow, contentWidth int) []string {
	var lines []string
	if leaderMissing, quorum, reachable := detectLeaderMissing(rows); leaderMissing {
		lines = append(lines, fmt.Sprintf("%s reachable=%d quorum=%d (%s)",
			styles.ldrMissing.Render("LEADER_MISSING"),
			reachable, quorum,
			"election in progress or stalled",
		))
	}
	if diverged := detectStateDivergence(rows); diverged {
		lines = append(lines, fmt.Sprintf("%s %s",
			styles.ldrMissing.Render("STATE_LAG"),
			"replicas report different group0 state ids",
		))
	}
	for _, r := range rows {
		msg, kind := r.err, errorKind(r.err)
		if msg == "" && r.haltErr != "" {
			msg, kind = r.haltErr, strings.ToUpper(r.status)
		}
		if msg == "" {
			continue
		}
		summary := shorten(errorSummary(msg), maxInt(20, contentWidth-28))
		lines = append(lines, fmt.Sprintf("%s %s %s %s",
			styles.errorDot.Render("●"),
			r.addr,
			styles.errorKindSty.Render(kind),
			summary,
		))
	}
	return lines
}

// ---- Bubbletea model --------------------------------------------------------

type adminModel struct {
	rows       []adminRow
	ts         time.Time
	conns      []adminConn
	timeout    time.Duration
	width      int
	height     int
	cursor     int
	scrollOff  int
	selectedID string
	showState  bool
	cols       adminColWidths
}

func newAdminModel(conns []adminConn, timeout time.Duration) adminModel {
	return adminModel{
		conns:   conns,
		timeout: timeout,
		width:   120,
		height:  40,
	}
}

func (m adminModel) Init() tea.Cmd {
	// rowsMsg schedules the next tick, so exactly one poll is in flight.
	return m.pollCmd()
}

func (m adminModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.recalcCols()
		return m, nil

	case tickMsg:
		return m, m.pollCmd()

	case rowsMsg:
		m.rows = msg.rows
		m.ts = msg.ts
		m.recalcCols()
		m.restoreSelection()
		tickFn := func(t time.Time) tea.Msg { return tickMsg(t) }
		return m, tea.Tick(adminRefreshInterval, tickFn)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		}
	}
	return m, nil
}

func (m adminModel) View() string {
	contentWidth := m.width - 2
	if contentWidth <= 0 {
		contentWidth = 80
	}

	var b strings.Builder

	b.WriteString("  ")
	b.WriteString(styles.appHeader.Render("group0 admin"))
	b.WriteString("  ")
	b.WriteString(styles.tsStyle.Render(m.ts.Format(time.RFC3339)))
	b.WriteString("\n")

	b.WriteString(renderSummary(m.rows))
	b.WriteString("\n\n")

	b.WriteString(renderHeader(m.cols, m.showState, contentWidth))
	b.WriteString("\n")

	visRows := m.visibleRowCount()
	start := m.scrollOff
	end := minInt(start+visRows, len(m.rows))
	for i := start; i < end; i++ {
		b.WriteString(makeTableRow(m.rows[i], m.cols, m.showState, i == m.cursor))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	peers, contact := "-", "-"
	if m.cursor >= 0 && m.cursor < len(m.rows) {
		if p := m.rows[m.cursor].peers; p != "" {
			peers = p
		}
		if c := m.rows[m.cursor].lastContact; c != "" {
			contact = c
		}
	}
	b.WriteString("  ")
	b.WriteString(styles.peerLabel.Render("peers:"))
	b.WriteString(" ")
	b.WriteString(styles.peerValue.Render(shorten(peers, maxInt(10, contentWidth-12))))
	b.WriteString("  ")
	b.WriteString(styles.peerLabel.Render("last contact:"))
	b.WriteString(" ")
	b.WriteString(styles.peerValue.Render(contact))
	b.WriteString("\n")

	alertLines := buildAlertLines(m.rows, contentWidth)
	if len(alertLines) > 0 {
		b.WriteString(styles.divider.Render(strings.Repeat("-", contentWidth)))
		b.WriteString("\n")
		b.WriteString(styles.alertsHdr.Render("Alerts"))
		b.WriteString("\n")
		for _, line := range alertLines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString("  ")
	b.WriteString(styles.footer.Render("Ctrl+C to exit"))

	// Pad to terminal height so a shorter frame overwrites stale lines.
	out := b.String()
	if m.height > 0 {
		lines := strings.Split(out, "\n")
		for len(lines) < m.height {
			lines = append(lines, "")
		}
		return strings.Join(lines, "\n")
	}
	return out
}

// ---- Model helpers ----------------------------------------------------------

func (m *adminModel) recalcCols() {
	contentWidth := m.width - 2
	if contentWidth <= 0 {
		contentWidth = 80
	}
	m.cols, m.showState = adminColumnsForWidth(m.rows, contentWidth)
}

func (m *adminModel) restoreSelection() {
	if m.selectedID == "" {
		if len(m.rows) > 0 {
			m.cursor = 0
			m.selectedID = m.rows[0].nodeID
		}
		return
	}
	for i, r := range m.rows {
		if r.nodeID == m.selectedID {
			m.cursor = i
			m.clampScroll()
			return
		}
	}
	if m.cursor >= len(m.rows) {
		m.cursor = maxInt(0, len(m.rows)-1)
	}
	if len(m.rows) > 0 {
		m.selectedID = m.rows[m.cursor].nodeID
	}
}

func (m *adminModel) moveCursor(delta int) {
	if len(m.rows) == 0 {
		return
	}
	m.cursor = clampInt(m.cursor+delta, 0, len(m.rows)-1)
	m.clampScroll()
	m.selectedID = m.rows[m.cursor].nodeID
}

func (m *adminModel) clampScroll() {
	visRows := m.visibleRowCount()
	if m.cursor < m.scrollOff {
		m.scrollOff = m.cursor
	} else if m.cursor >= m.scrollOff+visRows {
		m.scrollOff = m.cursor - visRows + 1
	}
	if m.scrollOff < 0 {
		m.scrollOff = 0
	}
}

func (m adminModel) visibleRowCount() int {
	// title, summary, blank, header, blank, peers, blank, footer, one alert
	return maxInt(2, m.height-9)
}

func (m adminModel) pollCmd() tea.Cmd {
	conns := m.conns
	timeout := m.timeout
	return func() tea.Msg {
		rows, ts := pollAdminRows(context.Background(), conns, timeout)
		return rowsMsg{rows: rows, ts: ts}
	}
}

// ---- Polling ----------------------------------------------------------------

func cmdAdmin(addrs []string, timeout time.Duration) error {
	conns, err := openAdminConns(addrs)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range conns {
			_ = c.client.Close()
		}
	}()

	p := tea.NewProgram(newAdminModel(conns, timeout), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func openAdminConns(addrs []string) ([]adminConn, error) {
	conns := make([]adminConn, 0, len(addrs))
	for _, addr := range addrs {
		client, err := admingrpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			for _, c := range conns {
				_ = c.client.Close()
			}
			return nil, err
		}
		conns = append(conns, adminConn{addr: addr, client: client})
	}
	return conns, nil
}

func pollAdminRows(ctx context.Context, conns []adminConn, timeout time.Duration) ([]adminRow, time.Time) {
	rows := make([]adminRow, len(conns))
	var wg sync.WaitGroup
	wg.Add(len(conns))

	for i, c := range conns {
		go func(i int, c adminConn) {
			defer wg.Done()

			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			info, err := c.client.NodeInfo(reqCtx)
			cancel()
			if err != nil {
				rows[i] = adminRow{addr: c.addr, err: err.Error()}
				return
			}
			rows[i] = rowFromInfo(c.addr, info)
		}(i, c)
	}

	wg.Wait()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].nodeID == rows[j].nodeID {
			return rows[i].addr < rows[j].addr
		}
		if rows[i].nodeID == "" {
			return false
		}
		if rows[j].nodeID == "" {
			return true
		}
		return rows[i].nodeID < rows[j].nodeID
	})

	return rows, time.Now()
}

// rowFromInfo flattens a GetNodeInfo document into a table row.
func rowFromInfo(addr string, info map[string]any) adminRow {
	row := adminRow{
		addr:      addr,
		nodeID:    str(info["node_id"]),
		status:    str(info["status"]),
		stateID:   str(info["current_state_id"]),
		snapshots: num(info["snapshots"]),
		haltErr:   str(info["error"]),
	}
	if raft, ok := info["raft"].(map[string]any); ok {
		row.role = str(raft["state"])
		row.leaderID = str(raft["leader_id"])
		row.term = str(raft["term"])
		row.lastLog = num(raft["last_log_index"])
		row.applied = num(raft["applied_index"])
		if members, ok := raft["members"].([]any); ok {
			row.members = len(members)
		}
		if ts, err := time.Parse(time.RFC3339Nano, str(raft["last_contact"])); err == nil {
			row.lastContact = ts.Local().Format("15:04:05")
		}
	}
	if peers, ok := info["peers"].(map[string]any); ok {
		ids := make([]string, 0, len(peers))
		for id := range peers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		row.peers = strings.Join(ids, ",")
	}
	return row
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func formatCFG(members int) string {
	if members <= 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d", members/2+1, members)
}

func errorKind(err string) string {
	switch {
	case strings.Contains(err, "code = Unavailable"):
		return "Unavailable"
	case strings.Contains(err, "code = Unimplemented"):
		return "Unimplemented"
	case strings.Contains(err, "code = DeadlineExceeded"):
		return "Timeout"
	default:
		return "Error"
	}
}

func errorSummary(err string) string {
	err = strings.TrimSpace(err)
	err = strings.ReplaceAll(err, "\n", " ")
	return strings.Join(strings.Fields(err), " ")
}

// detectLeaderMissing reports a missing leader when a quorum of nodes answers
// but none of them knows a leader.
func detectLeaderMissing(rows []adminRow) (bool, int, int) {
	quorum := 0
	reachable := 0
	hasLeader := false

	for _, r := range rows {
		if r.err != "" {
			continue
		}
		reachable++
		if r.role == "leader" || r.leaderID != "" {
			hasLeader = true
		}
		if r.members > 0 {
			quorum = maxInt(quorum, r.members/2+1)
		}
	}

	if quorum == 0 || reachable < quorum {
		return false, quorum, reachable
	}
	return !hasLeader, quorum, reachable
}

// detectStateDivergence reports whether healthy replicas disagree on the
// current state id.
func detectStateDivergence(rows []adminRow) bool {
	seen := ""
	for _, r := range rows {
		if r.err != "" || r.status != "healthy" || r.stateID == "" {
			continue
		}
		if seen == "" {
			seen = r.stateID
			continue
		}
		if r.stateID != seen {
			return true
		}
	}
	return false
}

func shorten(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func headerLabel(label string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(label) <= width {
		return label
	}
	switch label {
	case "LEADER":
		if width >= 3 {
			return "LDR"
		}
	case "ADDR":
		if width >= 2 {
			return "AD"
		}
	case "NODE":
		if width >= 2 {
			return "ND"
		}
	case "ROLE":
		if width >= 2 {
			return "RL"
		}
	}
	return label[:width]
}
