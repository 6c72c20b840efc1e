package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"talkmode/capture"
	"talkmode/talk"
)

// controller is the part of the engine the TUI drives.
type controller interface {
	Enable() error
	Disable()
	Begin() (string, error)
	End() capture.Result
	Cancel() capture.Result
	SetKeepAlive(on bool)
}

type StateMsg talk.State
type ModeLineMsg struct{ Text string }
type DeviceLineMsg struct{ Text string }
type resultMsg struct{ Text string }
type tickMsg time.Time

type tuiModel struct {
	ctl           controller
	state         talk.State
	frame         int
	level         float64
	turns         int
	width, height int
	modeLine      string
	deviceLine    string
	note          string // outcome of the last key command
}

type palette struct {
	styles [16]lipgloss.Style
	bg     [16][16]lipgloss.Style
}

var (
	paletteListening = newPalette([]string{"", "226", "220", "214", "208", "196", "160", "124", "88", "52", "236", "236", "236", "236", "255", "249"})
	paletteIdle      = newPalette([]string{"", "231", "224", "217", "210", "160", "124", "88", "52", "236", "236", "236", "236", "236", "255", "249"})
	paletteSpeaking  = newPalette([]string{"", "159", "123", "87", "51", "45", "39", "33", "27", "17", "236", "236", "236", "236", "255", "249"})
)

func newPalette(colors []string) *palette {
	p := &palette{}
	for i, fg := range colors {
		if fg == "" {
			continue
		}
		p.styles[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
		for j, bg := range colors {
			if bg != "" {
				p.bg[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg)).Background(lipgloss.Color(bg))
			}
		}
	}
	return p
}

func NewTUIProgram(ctl controller) *tea.Program {
	return tea.NewProgram(tuiModel{ctl: ctl}, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

// command runs fn off the UI goroutine; engine calls block until the
// coordinator has handled them.
func command(fn func() string) tea.Cmd {
	return func() tea.Msg { return resultMsg{Text: fn()} }
}

func (m tuiModel) key(k string) tea.Cmd {
	ctl := m.ctl
	switch k {
	case "c":
		if m.state.Mode == capture.Continuous {
			return command(func() string { ctl.Disable(); return "continuous off" })
		}
		return command(func() string {
			if err := ctl.Enable(); err != nil {
				return "enable: " + err.Error()
			}
			return "continuous on"
		})
	case " ":
		if m.state.Mode == capture.PushToTalk {
			return command(func() string {
				res := ctl.End()
				return fmt.Sprintf("capture %s", res.Status)
			})
		}
		return command(func() string {
			if _, err := ctl.Begin(); err != nil {
				return "begin: " + err.Error()
			}
			return ""
		})
	case "esc":
		return command(func() string {
			return fmt.Sprintf("capture %s", ctl.Cancel().Status)
		})
	case "k":
		on := !m.state.KeepAlive
		return command(func() string {
			ctl.SetKeepAlive(on)
			return fmt.Sprintf("keep-alive %t", on)
		})
	}
	return nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch k := msg.String(); k {
		case "ctrl+c", "q":
			return m, tea.Quit
		default:
			if m.ctl != nil {
				return m, m.key(k)
			}
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case StateMsg:
		prev := m.state
		m.state = talk.State(msg)
		if m.state.LastReply != "" && m.state.LastReply != prev.LastReply {
			m.turns++
		}
		if m.state.Listening {
			m.level = m.level*0.6 + m.state.Level*0.4
		} else {
			m.level = 0
		}

	case resultMsg:
		m.note = msg.Text

	case ModeLineMsg:
		m.modeLine = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text
	}
	return m, nil
}

func (m tuiModel) statusLine() string {
	s := m.state
	switch s.Phase {
	case talk.PhaseListening:
		label := "● LISTENING"
		if s.Mode == capture.PushToTalk {
			label = "● PUSH-TO-TALK"
		}
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true).Render(label)
	case talk.PhaseThinking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("◌ THINKING")
	case talk.PhaseSpeaking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true).Render("◆ SPEAKING")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("○ " + strings.ToUpper(s.Status))
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const eyeWidth = 45
	s := m.state
	pal, level := paletteIdle, 0.0
	switch s.Phase {
	case talk.PhaseListening:
		pal, level = paletteListening, m.level
	case talk.PhaseSpeaking:
		pal, level = paletteSpeaking, 0.02+0.02*math.Sin(float64(m.frame)*0.5)
	}
	eye := renderHALEye(m.frame, level, s.Phase != talk.PhaseIdle, pal)

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoLines := []string{m.statusLine()}
	if s.Status != "" && s.Phase != talk.PhaseIdle {
		infoLines = append(infoLines, dim.Render("  "+s.Status))
	}
	if !s.Connected {
		infoLines = append(infoLines, lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Render("  ⚠ gateway offline"))
	}
	if m.modeLine != "" {
		infoLines = append(infoLines, lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render(m.modeLine))
	}
	if m.deviceLine != "" {
		infoLines = append(infoLines, dim.Render(m.deviceLine))
	}
	if s.KeepAlive {
		infoLines = append(infoLines, dim.Render("keep-alive on"))
	}
	if m.note != "" {
		infoLines = append(infoLines, dim.Render(m.note))
	}
	infoLines = append(infoLines, "")

	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	boldStyle := helpStyle.Bold(true)
	infoLines = append(infoLines,
		boldStyle.Render("space")+helpStyle.Render(" talk  ")+
			boldStyle.Render("c")+helpStyle.Render(" continuous  ")+
			boldStyle.Render("esc")+helpStyle.Render(" cancel"),
		boldStyle.Render("k")+helpStyle.Render(" keep-alive  ")+
			boldStyle.Render("q")+helpStyle.Render(" quit"),
		helpStyle.Render("talkmode "+version),
	)

	for _, line := range infoLines {
		eye += line + "\n"
	}
	eyeLines := strings.Split(eye, "\n")

	logWidth := max(m.width-eyeWidth-1, 20)
	wrapWidth := max(logWidth-2, 10)

	var convo strings.Builder
	title := lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	userStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	replyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	liveStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)

	if s.Transcript != "" && s.Phase == talk.PhaseListening {
		convo.WriteString(title.Render("Hearing") + "\n\n")
		for _, line := range wrapText(s.Transcript, wrapWidth) {
			convo.WriteString(liveStyle.Render(line) + "\n")
		}
		convo.WriteString("\n")
	}
	if s.LastUser != "" {
		convo.WriteString(title.Render("You") + "\n\n")
		for _, line := range wrapText(s.LastUser, wrapWidth) {
			convo.WriteString(userStyle.Render(line) + "\n")
		}
		convo.WriteString("\n")
	}
	if s.LastReply != "" {
		convo.WriteString(title.Render(fmt.Sprintf("Assistant (#%d)", m.turns)) + "\n\n")
		for _, line := range wrapText(s.LastReply, wrapWidth) {
			convo.WriteString(replyStyle.Render(line) + "\n")
		}
	}
	if convo.Len() == 0 {
		convo.WriteString(dim.Render("Nothing said yet"))
	}

	logPanel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(convo.String())

	eyePadded := make([]string, m.height)
	for i := range eyePadded {
		if i < len(eyeLines) {
			eyePadded[i] = eyeLines[i]
		} else {
			eyePadded[i] = strings.Repeat(" ", eyeWidth-1)
		}
	}

	eyePanel := lipgloss.NewStyle().
		Width(eyeWidth - 1).
		Height(m.height).
		Render(strings.Join(eyePadded, "\n"))

	return lipgloss.JoinHorizontal(lipgloss.Top, eyePanel, logPanel)
}

func renderHALEye(frame int, level float64, active bool, pal *palette) string {
	const charsW = 44
	const charsH = 15
	const pixW = charsW
	const pixH = charsH * 2

	centerX := float64(pixW) / 2
	centerY := float64(pixH) / 2

	var breathe float64
	if active {
		breathe = math.Sin(float64(frame)*0.10)*0.03 + level*10.0 - 0.05
	} else {
		breathe = math.Sin(float64(frame)*0.08)*0.02 - 0.05
	}

	pixels := make([][]int, pixH)
	for i := range pixels {
		pixels[i] = make([]int, pixW)
	}

	type ring struct {
		radius     float64
		breatheAmt float64
		colorIdx   int
	}

	rings := []ring{
		{0.6, 0.10, 1},
		{1.3, 0.12, 2},
		{2.0, 0.15, 3},
		{2.8, 0.35, 4},
		{3.5, 0.40, 5},
		{4.2, 0.38, 6},
		{5.0, 0.30, 7},
		{5.8, 0.15, 8},
		{6.5, 0.03, 9},
		{7.2, 0.0, 10},
		{8.0, 0.0, 11},
		{10.0, 0.0, 12},
		{12.0, 0.0, 13},
	}

	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range rings {
				radius := min(r.radius+breathe*r.breatheAmt*20, 10.0)
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
		}
	}

	// Glass reflections
	type spot struct {
		ox, oy float64
		radius float64
		color  int
	}
	dSide, dSide2 := 9.0, 7.2
	dTop, dTop2 := 10.0, 8.2
	spots := []spot{
		{-dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{-dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -dTop, 0.8, 14},
		{0, -dTop2, 0.6, 15},
		{dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -2.0, 0.6, 14},
	}
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			px := float64(x) - centerX
			py := float64(y) - centerY
			for _, s := range spots {
				dx := px - s.ox
				dy := py - s.oy
				rLen := math.Sqrt(s.ox*s.ox + s.oy*s.oy)
				if rLen < 0.001 {
					rLen = 1
				}
				tx, ty := -s.oy/rLen, s.ox/rLen
				dt := dx*tx + dy*ty
				dn := dx*(-ty) + dy*tx
				if (dt*dt)/9.0+dn*dn < s.radius*s.radius {
					pixels[y][x] = s.color
				}
			}
		}
	}

	var result strings.Builder
	for cy := 0; cy < charsH; cy++ {
		for cx := 0; cx < charsW; cx++ {
			top := pixels[cy*2][cx]
			bot := pixels[cy*2+1][cx]
			switch {
			case top == 0 && bot == 0:
				result.WriteString(" ")
			case top == bot:
				result.WriteString(pal.styles[top].Render("█"))
			case bot == 0:
				result.WriteString(pal.styles[top].Render("▀"))
			case top == 0:
				result.WriteString(pal.styles[bot].Render("▄"))
			default:
				result.WriteString(pal.bg[top][bot].Render("▀"))
			}
		}
		result.WriteString("\n")
	}
	return result.String()
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
