package wfi32bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/zabooh/wfi32-bridge-v2/config"
)

func handlePortList(l *logrus.Logger, b *Bridge, w http.ResponseWriter, r *http.Request) {
	type PortListItem struct {
		MAC        string `json:"mac"`
		Speed100   bool   `json:"speed100"`
		FullDuplex bool   `json:"fullDuplex"`
		Loopback   bool   `json:"loopback"`
		Events     string `json:"events"`
		RxPackets  int    `json:"rxPackets"`
	}

	out := map[string]PortListItem{}
	for _, p := range b.Ports() {
		link := p.Engine().Link()
		out[p.Name()] = PortListItem{
			MAC:        p.MAC().String(),
			Speed100:   link.Speed100,
			FullDuplex: link.FullDuplex,
			Loopback:   link.Loopback,
			Events:     p.Engine().Events().String(),
			RxPackets:  p.Engine().RxPacketCount(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	js := json.NewEncoder(w)
	err := js.Encode(out)
	if err != nil {
		http.Error(w, "json error: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

func handlePortLookup(l *logrus.Logger, b *Bridge, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "you must provide a port name", http.StatusNotFound)
		return
	}

	p := b.PortByName(name)
	if p == nil {
		http.Error(w, "port not found", http.StatusNotFound)
		return
	}

	dev := p.Device()
	link := p.Engine().Link()
	out := m{
		"mac":         p.MAC().String(),
		"speed100":    link.Speed100,
		"fullDuplex":  link.FullDuplex,
		"loopback":    link.Loopback,
		"events":      p.Engine().Events().String(),
		"rxPackets":   p.Engine().RxPacketCount(),
		"txChainAddr": fmt.Sprintf("%#08x", p.Engine().TxChainAddr()),
		"rxChainAddr": fmt.Sprintf("%#08x", p.Engine().RxChainAddr()),
		"descriptors": m{
			"rxPending":   dev.RxPendingBuffers(),
			"rxScheduled": dev.RxScheduledBuffers(),
			"rxFree":      dev.RxFreeDescriptors(),
			"txPending":   dev.TxPendingBuffers(),
			"txScheduled": dev.TxScheduledBuffers(),
			"txFree":      dev.TxFreeDescriptors(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	js := json.NewEncoder(w)
	err := js.Encode(out)
	if err != nil {
		l.WithError(err).Error("failed to marshal port info")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func handleMacTable(b *Bridge, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	js := json.NewEncoder(w)
	err := js.Encode(b.MacTable())
	if err != nil {
		http.Error(w, "json error: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

func setupInfoServer(l *logrus.Logger, b *Bridge) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ports", func(w http.ResponseWriter, r *http.Request) { handlePortList(l, b, w, r) })
	mux.HandleFunc("GET /ports/{name}", func(w http.ResponseWriter, r *http.Request) { handlePortLookup(l, b, w, r) })
	mux.HandleFunc("GET /mac-table", func(w http.ResponseWriter, r *http.Request) { handleMacTable(b, w, r) })

	// The listener is loopback only so the pprof handlers can ride along
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func shouldAllowBinding(addr netip.Addr) error {
	if !addr.IsLoopback() {
		return fmt.Errorf("info.listen must be bound to a loopback address, got %s", addr)
	}
	return nil
}

// startInfo stands up a REST API that serves information about what the bridge
// is doing to other services
func startInfo(l *logrus.Logger, c *config.C, configTest bool, b *Bridge) (func(), error) {
	listen := c.GetString("info.listen", "")
	if listen == "" {
		return nil, nil
	}

	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("failed to parse info.listen: %w", err)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse info.listen: %w", err)
	}

	if err = shouldAllowBinding(addr); err != nil {
		return nil, err
	}

	var startFn func()
	if configTest {
		return startFn, nil
	}

	startFn = func() {
		mux := setupInfoServer(l, b)
		l.WithField("bind", listen).Info("Info listener starting")
		err := http.ListenAndServe(listen, mux)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			l.Fatal(err)
		}
	}

	return startFn, nil
}
