// Command rnsd is the Reticulum node daemon: loads a YAML config, brings
// up the configured interfaces, and runs one instance.Instance until a
// shutdown signal arrives. Grounded directly on cmd/ghostnodes/main.go's
// Server struct and startup sequence, reworked from an onion/swarm node's
// HTTP API onto a Reticulum instance's status surface and local IPC.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n8sec/reticulum-go/pkg/cache"
	"github.com/n8sec/reticulum-go/pkg/config"
	"github.com/n8sec/reticulum-go/pkg/iface"
	"github.com/n8sec/reticulum-go/pkg/identity"
	"github.com/n8sec/reticulum-go/pkg/instance"
	"github.com/n8sec/reticulum-go/pkg/ipc"
	"github.com/n8sec/reticulum-go/pkg/middleware"
	"github.com/n8sec/reticulum-go/pkg/rlog"
)

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// Server ties the running Instance to its external surfaces: the HTTP
// status/metrics endpoint and the local IPC listener. Grounded on
// cmd/ghostnodes/main.go: Server, whose router/swarm/directory fields
// here become one *instance.Instance plus the two listeners wrapped
// around it.
type Server struct {
	cfg        *config.Config
	in         *instance.Instance
	rateLimit  *middleware.RateLimiter
	httpServer *http.Server
	ipcLn      *ipc.Listener
	ipcKey     []byte
	log        *rlog.Logger
	stop       chan struct{}

	ipcClientsMu sync.Mutex
	ipcClients   map[*ipc.Conn]struct{}
}

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rnsd %s (built %s)\n", Version, BuildTime)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	self, err := identity.LoadOrCreate(cfg.IdentityFile, cfg.IdentityPassphrase)
	if err != nil {
		log.Fatalf("failed to load identity: %v", err)
	}

	logger := rlog.New(os.Stderr, rlog.ParseLevel(cfg.LogLevel))

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}

	in := instance.New(self, instance.Config{
		Announce:             cfg.AnnounceEngineConfig(),
		Cache:                cfg.CacheOptions(),
		MaxHops:              cfg.Announce.MaxHops,
		LinkEstablishTimeout: cfg.Link.EstablishTimeout,
	}, storage, logger)

	srv := &Server{
		cfg:        cfg,
		in:         in,
		rateLimit:  middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		ipcKey:     deriveIPCKey(self),
		log:        logger,
		stop:       make(chan struct{}),
		ipcClients: make(map[*ipc.Conn]struct{}),
	}
	in.OnEvent(srv.broadcastEvent)

	go in.Run()

	if err := srv.bringUpInterfaces(); err != nil {
		log.Fatalf("failed to bring up interfaces: %v", err)
	}

	if err := srv.startIPC(); err != nil {
		log.Fatalf("failed to start IPC listener: %v", err)
	}

	if err := srv.startHTTP(); err != nil {
		log.Fatalf("failed to start HTTP surface: %v", err)
	}

	logger.Info("main", "rnsd %s started, node %x", Version, self.DestinationHash())

	srv.waitForShutdown()
}

// deriveIPCKey derives the shared-instance IPC socket's AEAD key from the
// node's own identity, rather than requiring a separate secret file: the
// deterministic Ed25519 signature over a fixed domain string is stable
// across restarts without ever exposing the signing key itself to an IPC
// client.
func deriveIPCKey(self *identity.Identity) []byte {
	sig := self.Sign([]byte("rns-ipc-key"))
	sum := sha256.Sum256(sig)
	return sum[:]
}

func openStorage(cfg config.StorageConfig) (cache.Storage, error) {
	switch cfg.Backend {
	case "", "memory":
		return cache.NewMemoryStorage(), nil
	case "rocksdb":
		return cache.NewRocksDBStorage(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// bringUpInterfaces brings up every interface in the config: tcp-dial
// connects out immediately, tcp-listen spawns an accept loop that wraps
// each inbound connection as its own interface, generalised from a
// single mTLS client connection to the instance's whole interface set.
func (s *Server) bringUpInterfaces() error {
	for _, ic := range s.cfg.Interfaces {
		ic := ic
		tcpCfg := iface.TCPConfig{
			InterfaceID: ic.ID,
			Mode:        iface.ParseMode(ic.Mode),
			Bitrate:     ic.Bitrate,
		}
		if ic.IFACKey != "" {
			key, err := hex.DecodeString(ic.IFACKey)
			if err != nil {
				return fmt.Errorf("interface %s: decode ifac_key: %w", ic.ID, err)
			}
			tcpCfg.IFACKey = key
		}
		if ic.MTLS.Enabled {
			tcpCfg.CAFile = ic.MTLS.CAFile
			tcpCfg.CertFile = ic.MTLS.CertFile
			tcpCfg.KeyFile = ic.MTLS.KeyFile
		}

		switch ic.Kind {
		case "tcp-dial":
			ti, err := iface.DialTCP(ic.Address, tcpCfg)
			if err != nil {
				return fmt.Errorf("interface %s: dial %s: %w", ic.ID, ic.Address, err)
			}
			s.in.RegisterInterface(ti)
		case "tcp-listen":
			ln, err := net.Listen("tcp", ic.Address)
			if err != nil {
				return fmt.Errorf("interface %s: listen %s: %w", ic.ID, ic.Address, err)
			}
			go s.acceptLoop(ln, ic.ID, tcpCfg)
		default:
			return fmt.Errorf("interface %s: unknown kind %q", ic.ID, ic.Kind)
		}
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, interfaceIDPrefix string, tcpCfg iface.TCPConfig) {
	n := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.log.Warn("main", "interface %s: accept loop stopped: %v", interfaceIDPrefix, err)
			return
		}
		n++
		peerCfg := tcpCfg
		peerCfg.InterfaceID = fmt.Sprintf("%s-%d", interfaceIDPrefix, n)
		ti := iface.AcceptTCP(conn, peerCfg)
		s.in.RegisterInterface(ti)
		s.log.Info("main", "interface %s: accepted peer %s from %s", interfaceIDPrefix, peerCfg.InterfaceID, conn.RemoteAddr())
	}
}

// startIPC brings up the shared-instance local IPC listener and spawns an
// accept loop handing each connection to serveIPCConn.
func (s *Server) startIPC() error {
	if s.cfg.IPCSocketPath == "" {
		return nil
	}
	os.Remove(s.cfg.IPCSocketPath)
	ln, err := ipc.Listen(s.cfg.IPCSocketPath, s.ipcKey)
	if err != nil {
		return err
	}
	s.ipcLn = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveIPCConn(conn)
		}
	}()
	return nil
}

// broadcastEvent is the instance.OnEvent callback: it translates an
// instance.Event into the matching ipc.EventMessage and pushes it to
// every currently connected IPC client (§6.2's bidirectional channel).
// A client whose send fails (typically because it has disconnected) is
// dropped from the tracked set rather than retried.
func (s *Server) broadcastEvent(e instance.Event) {
	var msg ipc.EventMessage
	switch e.Kind {
	case instance.EventPacketIn:
		msg = ipc.NewPacketInEvent(e.Packet)
	case instance.EventLinkUp:
		msg = ipc.NewLinkUpEvent(e.LinkID)
	case instance.EventLinkDown:
		msg = ipc.NewLinkDownEvent(e.LinkID)
	case instance.EventResourceProgress:
		msg = ipc.NewResourceProgressEvent(e.LinkID, e.Progress)
	default:
		return
	}
	frame := ipc.EncodeEvent(msg)

	s.ipcClientsMu.Lock()
	defer s.ipcClientsMu.Unlock()
	for conn := range s.ipcClients {
		if err := conn.Send(frame); err != nil {
			delete(s.ipcClients, conn)
		}
	}
}

// serveIPCConn dispatches commands from one IPC client until it
// disconnects. Every command that touches instance state goes through
// Submit, preserving the single-writer discipline; the reply is a small
// JSON object, the same encoding the HTTP status surface below uses,
// rather than a second wire format just for this path. The connection is
// also registered to receive pushed events (broadcastEvent) for as long
// as it stays open.
func (s *Server) serveIPCConn(conn *ipc.Conn) {
	s.ipcClientsMu.Lock()
	s.ipcClients[conn] = struct{}{}
	s.ipcClientsMu.Unlock()

	defer func() {
		s.ipcClientsMu.Lock()
		delete(s.ipcClients, conn)
		s.ipcClientsMu.Unlock()
		conn.Close()
	}()

	for {
		frame, err := conn.Recv()
		if err != nil {
			return
		}
		msg, err := ipc.DecodeCommand(frame)
		if err != nil {
			s.log.Debug("ipc", "malformed command: %v", err)
			return
		}
		reply := s.dispatchIPC(msg)
		if err := conn.Send(reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatchIPC(msg ipc.CommandMessage) []byte {
	switch msg.Cmd {
	case ipc.CmdPathQuery:
		hash, err := ipc.ParsePathQueryArgs(msg.Args)
		if err != nil {
			return jsonError(err)
		}
		result := make(chan []byte, 1)
		s.in.Submit(func(in *instance.Instance) {
			hops, found := in.PathQuery(hash, time.Now())
			result <- mustJSON(map[string]interface{}{
				"destination": hex.EncodeToString(hash),
				"found":       found,
				"hop_count":   hops,
			})
		})
		return <-result

	case ipc.CmdRegisterDestination:
		hash, err := ipc.ParseRegisterDestinationArgs(msg.Args)
		if err != nil {
			return jsonError(err)
		}
		result := make(chan []byte, 1)
		s.in.Submit(func(in *instance.Instance) {
			if _, err := in.Destinations().RegisterDirect(hash); err != nil {
				result <- jsonError(err)
				return
			}
			result <- mustJSON(map[string]interface{}{"status": "registered", "destination": hex.EncodeToString(hash)})
		})
		return <-result

	case ipc.CmdOpenLink:
		hash, err := ipc.ParsePathQueryArgs(msg.Args)
		if err != nil {
			return jsonError(err)
		}
		result := make(chan []byte, 1)
		s.in.Submit(func(in *instance.Instance) {
			linkID, err := in.EstablishLink(hash, time.Now())
			if err != nil {
				result <- jsonError(err)
				return
			}
			result <- mustJSON(map[string]interface{}{"status": "requested", "link_id": hex.EncodeToString(linkID)})
		})
		return <-result

	case ipc.CmdCloseLink:
		linkID, err := ipc.ParsePathQueryArgs(msg.Args)
		if err != nil {
			return jsonError(err)
		}
		done := make(chan struct{})
		s.in.Submit(func(in *instance.Instance) {
			in.CloseLink(linkID)
			close(done)
		})
		<-done
		return mustJSON(map[string]interface{}{"status": "closed", "link_id": hex.EncodeToString(linkID)})

	case ipc.CmdSendPacket:
		return s.dispatchSendPacket(msg.Args)

	case ipc.CmdStatus:
		result := make(chan []byte, 1)
		s.in.Submit(func(in *instance.Instance) {
			result <- mustJSON(statusPayload(in))
		})
		return <-result

	default:
		return jsonError(fmt.Errorf("unknown command %d", msg.Cmd))
	}
}

// sendPacket argument layout: one kind byte (0 = destination hash target,
// 1 = link id target), 16 bytes of target hash, and the remaining bytes
// are the application payload. This is the "opaque, caller-defined
// argument encoding" pkg/ipc's own doc comment anticipates for
// send-packet, unlike path-query and register-destination which share a
// plain hash encoding.
func (s *Server) dispatchSendPacket(args []byte) []byte {
	const targetSize = 16
	if len(args) < 1+targetSize {
		return jsonError(fmt.Errorf("send-packet: args too short"))
	}
	kind := args[0]
	target := args[1 : 1+targetSize]
	payload := args[1+targetSize:]

	result := make(chan []byte, 1)
	s.in.Submit(func(in *instance.Instance) {
		var err error
		switch kind {
		case 0:
			err = in.SendToDestination(target, payload, time.Now())
		case 1:
			err = in.SendOverLink(target, payload, time.Now())
		default:
			err = fmt.Errorf("send-packet: unknown target kind %d", kind)
		}
		if err != nil {
			result <- jsonError(err)
			return
		}
		result <- mustJSON(map[string]interface{}{"status": "sent"})
	})
	return <-result
}

func jsonError(err error) []byte {
	return mustJSON(map[string]interface{}{"error": err.Error()})
}

func mustJSON(v interface{}) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal: failed to encode reply"}`)
	}
	return out
}

// startHTTP brings up the status/metrics HTTP surface, standing in for
// the out-of-scope CLI and rate limited the same way
// cmd/ghostnodes/main.go gated its onion/swarm API, just over status
// reads instead of packet submission.
func (s *Server) startHTTP() error {
	r := mux.NewRouter()
	r.Use(s.rateLimit.Middleware)

	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/path/{hash}", s.handlePathQuery).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("main", "http server error: %v", err)
		}
	}()

	stop := make(chan struct{})
	go s.rateLimit.StartJanitor(time.Minute, 10*time.Minute, stop)
	go func() {
		<-s.stop
		close(stop)
	}()

	return nil
}

func statusPayload(in *instance.Instance) map[string]interface{} {
	stats := in.Snapshot()
	return map[string]interface{}{
		"version":           Version,
		"active_links":      stats.ActiveLinks,
		"path_table_size":   stats.PathTableSize,
		"packets_cached":    stats.PacketsCached,
		"announces_cached":  stats.AnnouncesCached,
		"pending_announces": stats.PendingAnnounces,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result := make(chan map[string]interface{}, 1)
	s.in.Submit(func(in *instance.Instance) {
		result <- statusPayload(in)
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(<-result)
}

func (s *Server) handlePathQuery(w http.ResponseWriter, r *http.Request) {
	hashHex := mux.Vars(r)["hash"]
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		http.Error(w, "invalid destination hash", http.StatusBadRequest)
		return
	}

	type pathResult struct {
		found bool
		hops  uint8
	}
	result := make(chan pathResult, 1)
	s.in.Submit(func(in *instance.Instance) {
		hops, found := in.PathQuery(hash, time.Now())
		result <- pathResult{found: found, hops: hops}
	})
	pr := <-result

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"destination": hashHex,
		"found":       pr.found,
		"hop_count":   pr.hops,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "version": Version})
}

func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	s.log.Info("main", "shutting down")
	close(s.stop)

	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.ipcLn != nil {
		s.ipcLn.Close()
	}
	s.in.Stop()
}
