// Package feedsim is a synthetic venue: it random-walks prices for a set of
// instruments, broadcasts simfeed-format payloads over a websocket endpoint,
// and publishes the same payloads onto the venue's raw ingestion topic so the
// whole pipeline runs without a live feed.
package feedsim

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"refinery/internal/bus"
	"refinery/internal/model"
)

// Venue is the simulator's registered venue name.
const Venue = "simfeed"

// Config tunes the simulator.
type Config struct {
	Addr        string   // websocket listen address; empty disables the endpoint
	TenantID    string
	Instruments []string
	Interval    time.Duration // per-instrument emission interval
	StartPrice  float64
}

func (c *Config) defaults() {
	if c.TenantID == "" {
		c.TenantID = "t1"
	}
	if len(c.Instruments) == 0 {
		c.Instruments = []string{"NG", "CL", "BRN"}
	}
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.StartPrice <= 0 {
		c.StartPrice = 100
	}
}

// payload is the simfeed wire format the normalizer's parser expects.
type payload struct {
	Tenant     string  `json:"tenant"`
	Instrument string  `json:"instrument"`
	TSMillis   int64   `json:"ts_ms"`
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	Source     string  `json:"source"`
}

// hub fans broadcast frames out to connected websocket clients.
type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- frame:
		default:
			// Slow client; drop the frame rather than stall the generator.
		}
	}
}

// Simulator owns the generator loop and the optional websocket endpoint.
type Simulator struct {
	cfg      Config
	producer *bus.Producer
	hub      *hub
	log      zerolog.Logger

	prices map[string]float64
	rng    *rand.Rand
}

// New creates a simulator. producer may be nil (websocket-only mode).
func New(cfg Config, producer *bus.Producer, log zerolog.Logger) *Simulator {
	cfg.defaults()
	prices := make(map[string]float64, len(cfg.Instruments))
	for _, ins := range cfg.Instruments {
		prices[ins] = cfg.StartPrice
	}
	return &Simulator{
		cfg:      cfg,
		producer: producer,
		hub:      newHub(),
		log:      log,
		prices:   prices,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run generates ticks until ctx is cancelled. Starts the websocket endpoint
// when an address is configured.
func (s *Simulator) Run(ctx context.Context) error {
	if s.cfg.Addr != "" {
		go s.serve(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.emit(ctx)
		}
	}
}

// walk applies a ±0.1% random step, floored just above zero.
func (s *Simulator) walk(price float64) float64 {
	pct := (s.rng.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func (s *Simulator) emit(ctx context.Context) {
	now := time.Now().UTC()
	for _, ins := range s.cfg.Instruments {
		s.prices[ins] = s.walk(s.prices[ins])
		frame, err := json.Marshal(payload{
			Tenant:     s.cfg.TenantID,
			Instrument: ins,
			TSMillis:   now.UnixMilli(),
			Price:      s.prices[ins],
			Volume:     float64(s.rng.Intn(100) + 1),
			Source:     Venue,
		})
		if err != nil {
			continue
		}
		s.hub.broadcast(frame)
		if s.producer == nil {
			continue
		}
		err = s.producer.Publish(ctx, bus.Message{
			Topic:    bus.TopicRaw(Venue),
			TenantID: s.cfg.TenantID,
			Key:      ins,
			Payload:  model.RawEvent{Venue: Venue, Payload: frame},
		})
		if err != nil {
			s.log.Warn().Err(err).Str("instrument", ins).Msg("raw publish failed")
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Simulator) serve(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok","service":"feedsim"}`))
	})

	srv := &http.Server{Addr: s.cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("feedsim websocket listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("feedsim server failed")
	}
}

func (s *Simulator) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ch := s.hub.register(conn)
	defer func() {
		s.hub.unregister(conn)
		conn.Close()
	}()

	// Discard inbound frames; the read loop only detects disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.unregister(conn)
				return
			}
		}
	}()

	for frame := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}
