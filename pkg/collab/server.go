package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/newsdoc-sync/pkg/debounce"
	"github.com/astromechza/newsdoc-sync/pkg/metrics"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrShuttingDown    = errors.New("server is shutting down")
)

type Options struct {
	Extensions []any
	// StoreWait and StoreMaxWait debounce the store hooks per document.
	StoreWait    time.Duration
	StoreMaxWait time.Duration
	AuthTimeout  time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Clock        debounce.Clock
}

type Server struct {
	extensions  []any
	store       *debounce.Debouncer
	authTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	upgrader    websocket.Upgrader

	mu        sync.Mutex
	closing   bool
	documents map[string]*document
	handlers  sync.WaitGroup
}

// document is a loaded shared document and the connections using it.
type document struct {
	name  string
	doc   *shareddoc.Document
	ready chan struct{}
	err   error

	// guarded by Server.mu
	clients     map[*connection]struct{}
	directs     int
	leaving     int
	lastContext Context
}

func (d *document) loaded() bool {
	select {
	case <-d.ready:
		return d.err == nil
	default:
		return false
	}
}

func NewServer(opts Options) *Server {
	if opts.StoreWait <= 0 {
		opts.StoreWait = 2 * time.Second
	}
	if opts.StoreMaxWait <= 0 {
		opts.StoreMaxWait = 10 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	var debounceOpts []debounce.Option
	if opts.Clock != nil {
		debounceOpts = append(debounceOpts, debounce.WithClock(opts.Clock))
	}
	return &Server{
		extensions:  opts.Extensions,
		store:       debounce.New(opts.StoreWait, opts.StoreMaxWait, debounceOpts...),
		authTimeout: opts.AuthTimeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		documents: make(map[string]*document),
	}
}

// Loaded reports whether a document is currently held in memory.
func (s *Server) Loaded(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.documents[name]
	return ok
}

// ClientsCount returns the number of websocket clients connected to a document.
func (s *Server) ClientsCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.documents[name]; ok {
		return len(d.clients)
	}
	return 0
}

func (s *Server) authenticate(ctx context.Context, p AuthenticatePayload) (*Context, error) {
	var out *Context
	found := false
	for _, ext := range s.extensions {
		a, ok := ext.(Authenticator)
		if !ok {
			continue
		}
		found = true
		c, err := a.OnAuthenticate(ctx, p)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = c
		}
	}
	if !found {
		return &Context{Agent: AgentUser, AccessToken: p.Token}, nil
	}
	if out == nil {
		return nil, ErrUnauthenticated
	}
	return out, nil
}

// acquire returns the loaded document, loading it on first use. Concurrent callers for the same
// name share one load. register is called under the server lock once the document exists.
func (s *Server) acquire(ctx context.Context, name string, cctx *Context, register func(d *document)) (*document, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	d, ok := s.documents[name]
	if !ok {
		d = &document{
			name:    name,
			doc:     shareddoc.New(),
			ready:   make(chan struct{}),
			clients: make(map[*connection]struct{}),
		}
		s.documents[name] = d
		s.metrics.Documents.Inc()
	}
	register(d)
	s.mu.Unlock()

	if !ok {
		d.err = s.loadRecovered(ctx, d, cctx)
		close(d.ready)
		if d.err != nil {
			s.mu.Lock()
			if s.documents[name] == d {
				delete(s.documents, name)
				s.metrics.Documents.Dec()
			}
			s.mu.Unlock()
		}
	} else {
		select {
		case <-d.ready:
		case <-ctx.Done():
			return d, ctx.Err()
		}
	}
	if d.err != nil {
		return d, d.err
	}
	return d, nil
}

// loadRecovered runs load and turns a panicking loader into a load error, so waiters are always
// released and the document is dropped.
func (s *Server) loadRecovered(ctx context.Context, d *document, cctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("loader panicked", "document", d.name, "panic", r)
			err = fmt.Errorf("failed to load document %s: loader panicked: %v", d.name, r)
		}
	}()
	return s.load(ctx, d, cctx)
}

func (s *Server) load(ctx context.Context, d *document, cctx *Context) error {
	for _, ext := range s.extensions {
		l, ok := ext.(Loader)
		if !ok {
			continue
		}
		if err := l.OnLoadDocument(ctx, LoadPayload{DocumentName: d.name, Document: d.doc, Context: cctx}); err != nil {
			return fmt.Errorf("failed to load document %s: %w", d.name, err)
		}
	}
	s.logger.Info("loaded document", "document", d.name, "fromCache", cctx.LoadedFromCache)
	return nil
}

// releaseLocked drops the document from memory when nothing uses it any more and no store is pending.
// Must be called with s.mu held.
func (s *Server) releaseLocked(d *document) {
	if len(d.clients) > 0 || d.directs > 0 || d.leaving > 0 || s.store.Pending(d.name) {
		return
	}
	if s.documents[d.name] == d {
		delete(s.documents, d.name)
		s.metrics.Documents.Dec()
		s.logger.Info("unloaded document", "document", d.name)
	}
}

// changed records a change to d made under cctx: other clients are told to sync and the store
// hooks are scheduled.
func (s *Server) changed(d *document, origin *connection, cctx Context) {
	s.mu.Lock()
	d.lastContext = cctx
	for c := range d.clients {
		if c != origin {
			c.wake()
		}
	}
	s.mu.Unlock()

	s.metrics.StoreEvents.Inc()
	s.store.Schedule(d.name, func() {
		s.runStore(context.Background(), d)
	})
}

func (s *Server) runStore(ctx context.Context, d *document) {
	s.mu.Lock()
	cctx := d.lastContext
	s.mu.Unlock()
	s.runStoreAs(ctx, d, cctx)
}

// runStoreAs calls the store hooks with the given context.
func (s *Server) runStoreAs(ctx context.Context, d *document, cctx Context) {
	s.mu.Lock()
	p := StorePayload{
		DocumentName: d.name,
		Document:     d.doc,
		Context:      cctx,
		ClientsCount: len(d.clients),
		Transact:     s.serverTransact(d, cctx),
	}
	s.mu.Unlock()

	for _, ext := range s.extensions {
		st, ok := ext.(Storer)
		if !ok {
			continue
		}
		if err := st.OnStoreDocument(ctx, p); err != nil {
			s.logger.Error("failed to store document", "document", d.name, "err", err)
		}
	}

	s.mu.Lock()
	s.releaseLocked(d)
	s.mu.Unlock()
}

// serverTransact returns a transaction func acting as the server on behalf of cctx's user. It can
// be called after the document was unloaded; a document that has since been loaded again is left
// to its own store path.
func (s *Server) serverTransact(d *document, cctx Context) func(string, func(*shareddoc.Tx) error) error {
	as := Context{Agent: AgentServer, AccessToken: cctx.AccessToken, User: cctx.User}
	return func(message string, fn func(*shareddoc.Tx) error) error {
		before := d.doc.Heads()
		if err := d.doc.Transact(message, fn); err != nil {
			return err
		}
		if sameHeadStrings(before, d.doc.Heads()) {
			return nil
		}
		s.mu.Lock()
		current, loaded := s.documents[d.name]
		for c := range d.clients {
			c.wake()
		}
		s.mu.Unlock()
		if loaded && current != d {
			s.logger.Warn("not storing change to replaced document", "document", d.name, "message", message)
			return nil
		}
		s.metrics.StoreEvents.Inc()
		s.runStoreAs(context.Background(), d, as)
		return nil
	}
}

func sameHeadStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Server) disconnectHooks(ctx context.Context, d *document, cctx Context, remaining int) {
	cctx.Disconnected = true
	for _, ext := range s.extensions {
		h, ok := ext.(DisconnectHandler)
		if !ok {
			continue
		}
		if err := h.OnDisconnect(ctx, DisconnectPayload{
			DocumentName: d.name, Document: d.doc, Context: cctx, ClientsCount: remaining,
		}); err != nil {
			s.logger.Error("disconnect hook failed", "document", d.name, "err", err)
		}
	}
}

// HandleConnection upgrades the request to a websocket and runs the collaboration protocol for
// the named document until the client goes away.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, name string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer ws.Close()

	c := newConnection(ulid.Make().String(), ws)
	log := s.logger.With("document", name, "connection", c.id)

	cctx, err := s.handshake(r.Context(), c, name)
	if err != nil {
		log.Info("rejected connection", "err", err)
		c.reject(err)
		return
	}
	c.setContext(*cctx)

	d, err := s.acquire(r.Context(), name, cctx, func(d *document) {
		d.clients[c] = struct{}{}
	})
	if d != nil {
		defer s.disconnect(d, c)
	}
	if err != nil {
		log.Error("failed to open document", "err", err)
		c.reject(err)
		return
	}
	// the loaders may have annotated the context
	c.setContext(*cctx)

	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()
	log.Info("client connected", "user", cctx.User.Sub)

	if err := c.run(r.Context(), s, d); err != nil {
		log.Info("client session ended", "err", err)
	}
}

func (s *Server) handshake(ctx context.Context, c *connection, name string) (*Context, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(s.authTimeout))
	mt, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read auth message: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})
	msg, err := decodeControl(mt, raw)
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageAuth {
		return nil, fmt.Errorf("%w: expected %q message, got %q", ErrUnauthenticated, MessageAuth, msg.Type)
	}
	cctx, err := s.authenticate(ctx, AuthenticatePayload{DocumentName: name, ConnectionID: c.id, Token: msg.Token})
	if err != nil {
		return nil, err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, encodeControl(ControlMessage{Type: MessageAuthenticated})); err != nil {
		return nil, fmt.Errorf("failed to acknowledge auth: %w", err)
	}
	return cctx, nil
}

// disconnect unregisters c. The last client leaving flushes the pending store before the
// disconnect hooks run.
func (s *Server) disconnect(d *document, c *connection) {
	s.mu.Lock()
	_, wasClient := d.clients[c]
	delete(d.clients, c)
	remaining := len(d.clients)
	d.leaving++
	s.mu.Unlock()

	if wasClient && d.loaded() {
		if remaining == 0 {
			s.store.FlushIfPending(d.name)
		}
		s.disconnectHooks(context.Background(), d, c.context(), remaining)
	}

	s.mu.Lock()
	d.leaving--
	s.releaseLocked(d)
	s.mu.Unlock()
}

// Shutdown closes every client connection, waits for their sessions to end and flushes pending
// stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	var conns []*connection
	for _, d := range s.documents {
		for c := range d.clients {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := s.store.FlushAll(); n > 0 {
		s.logger.Info("flushed pending stores", "count", n)
	}
	return nil
}
