// Package showinfo enriches live streams with what's-playing metadata.
// It polls the DVR guide API on hosts that are actively pulling a stream,
// matches guide channels by name and publishes the current show title and
// artwork through the status emitter.
package showinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/httpclient"
	"github.com/tabtuner/tabtuner/internal/status"
	"github.com/tabtuner/tabtuner/internal/stream"
)

// maxGuideBody caps guide responses; a full lineup is well under this.
const maxGuideBody = 4 << 20

// StreamSource lists the live streams eligible for guide enrichment.
type StreamSource interface {
	Streams() []*stream.Stream
}

// guideEntry is one channel in a DVR guide/now response.
type guideEntry struct {
	Channel guideChannel  `json:"Channel"`
	Airings []guideAiring `json:"Airings"`
}

type guideChannel struct {
	Number string `json:"Number"`
	Name   string `json:"Name"`
}

type guideAiring struct {
	Title string `json:"Title"`
	Image string `json:"Image"`
}

// Poller periodically asks the DVR instances watching each stream what
// is currently airing on its channel. Guide data is advisory; any
// failure is logged at debug and retried on the next cycle.
type Poller struct {
	cfg     config.ShowInfoConfig
	streams StreamSource
	clients *status.ClientRegistry
	emitter *status.Emitter
	client  *httpclient.Client
	logos   *LogoCache
	logger  *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a poller. The logo directory is created immediately so a
// misconfigured path fails at startup rather than on the first poll.
func New(cfg config.ShowInfoConfig, streams StreamSource, clients *status.ClientRegistry, emitter *status.Emitter, logger *slog.Logger) (*Poller, error) {
	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = 10 * time.Second
	hcfg.RetryAttempts = 1
	hcfg.Logger = logger
	client := httpclient.New(hcfg)

	logos, err := NewLogoCache(cfg.LogoDir, client, logger)
	if err != nil {
		return nil, err
	}

	return &Poller{
		cfg:     cfg,
		streams: streams,
		clients: clients,
		emitter: emitter,
		client:  client,
		logos:   logos,
		logger:  logger.With("component", "showinfo"),
	}, nil
}

// Start schedules the poll loop. The first poll fires one interval in.
func (p *Poller) Start(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		return fmt.Errorf("show-info interval must be positive, got %s", p.cfg.Interval)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cron = cron.New()
	if _, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.cfg.Interval), p.poll); err != nil {
		return fmt.Errorf("schedule guide poll: %w", err)
	}
	p.cron.Start()

	p.logger.Info("show-info poller started",
		"interval", p.cfg.Interval,
		"guide_port", p.cfg.GuidePort)
	return nil
}

// Stop cancels in-flight polls and waits for the running cycle to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

func (p *Poller) poll() {
	// Bound each cycle by the interval so slow DVRs cannot stack cycles.
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Interval)
	defer cancel()
	p.pollOnce(ctx)
}

// pollOnce runs a single enrichment cycle. Guide responses are fetched
// at most once per client host per cycle.
func (p *Poller) pollOnce(ctx context.Context) {
	guides := make(map[string][]guideEntry)

	for _, st := range p.streams.Streams() {
		if st.ChannelName == "" {
			continue
		}
		addrs := p.clients.Addresses(st.ID)
		if len(addrs) == 0 {
			continue
		}

		airing, ok := p.currentAiring(ctx, guides, addrs, st.ChannelName)
		if !ok {
			continue
		}

		logoURL := airing.Image
		if airing.Image != "" {
			local, err := p.logos.Fetch(ctx, st.Channel, airing.Image)
			if err != nil {
				p.logger.Debug("logo fetch failed",
					"channel", st.ChannelName,
					"url", airing.Image,
					"error", err)
			} else {
				logoURL = local
			}
		}

		p.emitter.SetShowInfo(st.ID, airing.Title, logoURL)
	}
}

// currentAiring probes each client host in order and returns the first
// airing whose guide channel name matches, case-insensitively.
func (p *Poller) currentAiring(ctx context.Context, cache map[string][]guideEntry, addrs []string, channel string) (guideAiring, bool) {
	for _, addr := range addrs {
		host := clientHost(addr)
		if host == "" {
			continue
		}

		entries, seen := cache[host]
		if !seen {
			var err error
			entries, err = p.fetchGuide(ctx, host)
			if err != nil {
				p.logger.Debug("guide query failed", "host", host, "error", err)
				entries = nil
			}
			cache[host] = entries
		}

		for _, e := range entries {
			if len(e.Airings) > 0 && strings.EqualFold(e.Channel.Name, channel) {
				return e.Airings[0], true
			}
		}
	}
	return guideAiring{}, false
}

func (p *Poller) fetchGuide(ctx context.Context, host string) ([]guideEntry, error) {
	u := fmt.Sprintf("http://%s/devices/ANY/guide/now",
		net.JoinHostPort(host, strconv.Itoa(p.cfg.GuidePort)))

	resp, err := p.client.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("guide endpoint returned %s", resp.Status)
	}

	var entries []guideEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxGuideBody)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode guide response: %w", err)
	}
	return entries, nil
}

// clientHost extracts the host from a registered client address, which
// may or may not carry a port.
func clientHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}
