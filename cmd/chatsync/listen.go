package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/talenthub/chatsync"
)

var (
	listenRoom        string
	listenMetricsAddr string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow live notifications and chat",
	Long:  "Connect to the live channel and print notifications, conversation updates and, with --room, the messages of one conversation.\nRuns until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, s, err := getClient()
		if err != nil {
			return err
		}
		if s.Identity.UserID == "" {
			return fmt.Errorf("no user id. Run 'chatsync config set auth.user_id <id>' or set %s", chatsync.EnvUserID)
		}
		ctx, stop := signalContext()
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := chatsync.NewMetrics(reg)

		addr := valueOrDefault(listenMetricsAddr, s.MetricsAddr)
		if addr != "" {
			srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server failed", "addr", addr, "error", err)
				}
			}()
			defer srv.Close()
			slog.Info("serving metrics", "addr", addr+"/metrics")
		}

		sess := chatsync.NewSession(client, chatsync.SessionConfig{Metrics: metrics})
		defer sess.Stop()

		p := &livePrinter{sess: sess, printed: make(map[string]bool)}
		bell := chatsync.NewNotificationBell(sess)
		defer bell.Close()
		bell.Watch(p.notifications)
		list := chatsync.NewConversationList(sess)
		defer list.Close()
		list.Watch(p.conversations)
		sess.Subscribe(func(c chatsync.Change) {
			if c.Has(chatsync.ChangeNotice) {
				fmt.Fprintf(os.Stderr, "! %s: %v\n", c.Notice, c.Err)
			}
		})

		if err := sess.Start(ctx, s.Identity); err != nil {
			slog.Warn("initial load incomplete", "error", err)
		}
		fmt.Printf("Listening as user %s: %d unread notifications, %d unread messages\n",
			s.Identity.UserID, bell.Unread(), list.TotalUnread())

		if listenRoom != "" {
			widget := chatsync.NewFloatingWidget(sess)
			defer widget.Close()
			p.widget = widget
			widget.Watch(p.messages)
			if err := widget.Open(ctx, listenRoom); err != nil {
				slog.Warn("loading room history failed", "room_id", listenRoom, "error", err)
			}
			p.messages()
		}

		<-ctx.Done()
		fmt.Println("\nDisconnecting...")
		return nil
	},
}

// livePrinter prints what changed since the previous callback.
type livePrinter struct {
	sess   *chatsync.Session
	widget *chatsync.FloatingWidget

	mu         sync.Mutex
	printed    map[string]bool
	lastUnread int
	lastConv   int
}

func (p *livePrinter) notifications() {
	rec := p.sess.View()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range rec.Notifications() {
		if key := "n:" + n.ID; !p.printed[key] {
			p.printed[key] = true
			printNotification(n)
		}
	}
	if u := rec.UnreadCount(); u != p.lastUnread {
		p.lastUnread = u
		fmt.Printf("  unread notifications: %d\n", u)
	}
}

func (p *livePrinter) conversations() {
	total := p.sess.View().TotalConversationUnread()
	p.mu.Lock()
	defer p.mu.Unlock()
	if total != p.lastConv {
		p.lastConv = total
		fmt.Printf("  unread messages: %d\n", total)
	}
}

func (p *livePrinter) messages() {
	if p.widget == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.widget.Messages() {
		if m.Local() {
			continue
		}
		if key := "m:" + m.ID; !p.printed[key] {
			p.printed[key] = true
			printMessage(m)
		}
	}
}

func init() {
	listenCmd.Flags().StringVar(&listenRoom, "room", "", "Also follow the messages of this conversation")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(listenCmd)
}
