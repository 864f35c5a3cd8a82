// Command udpfswatch is a small terminal UI that sends a single MONITOR
// request to a udpfsd server and renders every snapshot notification it
// receives afterwards as a live-scrolling log — a hands-on demonstration
// of the monitor fan-out invariant.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/matrix-org/udpfs/internal/codec"
	"github.com/matrix-org/udpfs/internal/proto"
)

var (
	flagServer     = flag.String("server", "127.0.0.1:45600", "udpfsd address host:port")
	flagPath       = flag.String("path", "", "path (relative to the server root) to watch")
	flagIntervalMs = flag.Uint("interval-ms", 300000, "subscription lifetime in milliseconds")
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	styleMeta  = lipgloss.NewStyle().Faint(true)
	styleGood  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type notificationMsg struct {
	resp proto.Response
	err  error
}

type model struct {
	conn     *net.UDPConn
	path     string
	viewport viewport.Model
	lines    []string
	ready    bool
	count    int
}

func (m model) Init() tea.Cmd {
	return waitForNotification(m.conn)
}

func waitForNotification(conn *net.UDPConn) tea.Cmd {
	return func() tea.Msg {
		buf := make([]byte, 1<<20)
		n, err := conn.Read(buf)
		if err != nil {
			return notificationMsg{err: err}
		}
		resp, err := codec.DecodeResponse(buf[:n])
		if err != nil {
			return notificationMsg{err: err}
		}
		return notificationMsg{resp: resp}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-3)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 3
		}
		m.renderViewport()
	case notificationMsg:
		m.count++
		ts := time.Now().Format("15:04:05.000")
		if msg.err != nil {
			m.lines = append(m.lines, fmt.Sprintf("%s %s", styleMeta.Render(ts), styleBad.Render(msg.err.Error())))
		} else if msg.resp.Status == proto.StatusGood {
			m.lines = append(m.lines, fmt.Sprintf("%s %s %s", styleMeta.Render(ts), styleGood.Render("GOOD"), string(msg.resp.Data)))
		} else {
			m.lines = append(m.lines, fmt.Sprintf("%s %s %s", styleMeta.Render(ts), styleBad.Render("BAD"), string(msg.resp.Data)))
		}
		m.renderViewport()
		return m, waitForNotification(m.conn)
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) renderViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m model) View() string {
	header := styleTitle.Render(fmt.Sprintf("udpfswatch — %s", m.path)) + "  " +
		styleMeta.Render(fmt.Sprintf("(%d notifications, q to quit)", m.count))
	if !m.ready {
		return header + "\n\nwaiting for terminal size...\n"
	}
	return header + "\n\n" + m.viewport.View()
}

func main() {
	flag.Parse()
	if *flagPath == "" {
		fmt.Fprintln(os.Stderr, "udpfswatch: --path is required")
		os.Exit(1)
	}

	raddr, err := net.ResolveUDPAddr("udp", *flagServer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udpfswatch: resolve server: %s\n", err)
		os.Exit(1)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udpfswatch: dial server: %s\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := proto.Request{Op: proto.OpMonitor, Path: *flagPath, IntervalMs: uint32(*flagIntervalMs)}
	if _, err := conn.Write(codec.EncodeRequest(sub)); err != nil {
		fmt.Fprintf(os.Stderr, "udpfswatch: send subscription: %s\n", err)
		os.Exit(1)
	}
	conn.SetReadDeadline(time.Time{})

	ackBuf := make([]byte, 1<<20)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(ackBuf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udpfswatch: no acknowledgement from server: %s\n", err)
		os.Exit(1)
	}
	conn.SetReadDeadline(time.Time{})
	ack, _ := codec.DecodeResponse(ackBuf[:n])

	m := model{conn: conn, path: *flagPath}
	m.lines = append(m.lines, styleMeta.Render("subscribed: "+string(ack.Data)))

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "udpfswatch: %s\n", err)
		os.Exit(1)
	}
}
