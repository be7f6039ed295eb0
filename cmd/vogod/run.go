package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Morg42/viessmann/internal/mqttbridge"
	"github.com/Morg42/viessmann/pkg/vogo"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Run the daemon: initial and cyclic reads, timer schedules, and the
HTTP API, websocket stream and MQTT bridge if configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		defer stop()
		return runDaemon(ctx)
	},
}

func runDaemon(ctx context.Context) error {
	cache := vogo.NewValueCache()
	stream := newHub()
	items := vogo.ItemSinks{cache, stream}
	schedules := vogo.ScheduleSinks{stream}
	var source vogo.ValueSource = cache

	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Broker != "" {
		bridge = mqttbridge.New(ctx, cfg.MQTT.Topic)
		items = append(items, bridge)
		schedules = append(schedules, bridge)
		source = bridge
	}

	e, s, err := openEngine(cfg, vogo.WithItemSink(items), vogo.WithScheduleSink(schedules), vogo.WithValueSource(source))
	if err != nil {
		return err
	}
	defer s.Disconnect()

	if err := s.Connect(ctx); err != nil {
		// the session reconnects on the next request
		log.Errorf("Connecting %v: %v", cfg.Port, err)
	}
	if name, err := e.Identify(ctx); err != nil {
		log.Warnf("Device identification failed: %v", err)
	} else if name != e.Device().Type {
		log.Warnf("Device identifies as %v, configured is %v", name, e.Device().Type)
	}

	for _, app := range cfg.Timers {
		if err := e.Timers().Register(app); err != nil {
			return err
		}
	}

	if bridge != nil {
		bridge.Attach(e, e.Timers())
		if err := mqttbridge.Dial(cfg.MQTT, bridge); err != nil {
			log.Error(err)
		}
	}

	if err := e.ReadInitial(ctx, cfg.InitReads()); err != nil {
		log.Warnf("Initial reads incomplete: %v", err)
	}
	if len(cfg.Timers) > 0 {
		if err := e.Timers().ReadAll(ctx); err != nil {
			log.Warnf("Timer readout incomplete: %v", err)
		}
	}

	sched := vogo.NewScheduler(e)
	for _, r := range cfg.Reads {
		if r.Cycle > 0 {
			sched.Register(r.Name, r.Cycle)
		}
	}
	go sched.Run(ctx)

	var h *http.Server
	if cfg.HTTP != "" {
		a := &api{engine: e, cache: cache, stream: stream, followUps: cfg.FollowUps}
		addr := cfg.HTTP
		// accept :[portnum] as well as [portnum]
		if i, err := strconv.Atoi(addr); err == nil {
			addr = fmt.Sprintf(":%d", i)
		}
		h = &http.Server{Addr: addr, Handler: a.router(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Infof("HTTP API listening on %v", addr)
			if err := h.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down")
	if h != nil {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Shutdown(shutdown)
	}
	return nil
}
