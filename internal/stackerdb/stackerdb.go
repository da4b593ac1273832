// Package stackerdb implements the distributed signer-message store
// collaborator spec.md §6 names (StackerDBs / StackerDBSession): a
// contract-addressed, slot-addressed key/value store reachable over a
// loopback HTTP server, the accept-loop idiom adapted from the teacher's
// rpc/ipc.go ServeListener, retargeted from a raw net.Listener accept loop
// onto an httprouter-routed HTTP server.
package stackerdb

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/blockweave/tenure-miner/internal/log"
)

// SlotID identifies a single slot within a contract's stacker-db, spec.md
// §6's MinerSlotID::BlockPushed being the only one this core writes.
type SlotID int

const (
	SlotBlockPushed SlotID = iota
)

var ErrSlotNotFound = errors.New("stackerdb: slot not found")

// DBs is the top-level collaborator: connects to a stacker-db set by path
// and opens per-contract sessions.
type DBs struct {
	mu       sync.RWMutex
	contracts map[string]*contractStore
}

type contractStore struct {
	mu    sync.RWMutex
	slots map[SlotID][]byte
}

// Connect opens (or, for this in-process store, simply constructs) a
// DBs handle by path. A real stacker-db is file-backed; this core only
// needs the in-memory contract/slot addressing semantics, so Connect
// ignores path beyond logging it.
func Connect(path string) (*DBs, error) {
	log.Debug("stackerdb connect", "path", path)
	return &DBs{contracts: make(map[string]*contractStore)}, nil
}

// Session addresses one contract within the store, reachable at an RPC
// loopback socket address, spec.md §6's "session by (rpc_socket,
// miners_contract_id)".
type Session struct {
	db         *DBs
	contractID string
	rpcSocket  string
}

// SessionFor opens a session addressed by (rpcSocket, contractID).
func (d *DBs) SessionFor(rpcSocket, contractID string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contracts[contractID]; !ok {
		d.contracts[contractID] = &contractStore{slots: make(map[SlotID][]byte)}
	}
	return &Session{db: d, contractID: contractID, rpcSocket: rpcSocket}
}

// PutSlot writes msg to slot, the BlockPushed signer message push path from
// spec.md §4.5.
func (s *Session) PutSlot(slot SlotID, msg []byte) error {
	s.db.mu.RLock()
	cs := s.db.contracts[s.contractID]
	s.db.mu.RUnlock()
	if cs == nil {
		return ErrSlotNotFound
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.slots[slot] = append([]byte(nil), msg...)
	return nil
}

// GetSlot reads the current contents of slot, used by tests asserting a
// BlockPushed message was delivered.
func (s *Session) GetSlot(slot SlotID) ([]byte, bool) {
	s.db.mu.RLock()
	cs := s.db.contracts[s.contractID]
	s.db.mu.RUnlock()
	if cs == nil {
		return nil, false
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.slots[slot]
	return v, ok
}

// Server exposes the contract/slot store over a loopback HTTP accept loop,
// for signer processes running outside this program to read/write slots.
type Server struct {
	dbs      *DBs
	listener net.Listener
	srv      *http.Server
}

// NewServer builds an httprouter-routed server over dbs. The loopback
// address is normally only reached by co-located signer processes, but it
// is still plain HTTP reachable from any origin on the host, so the same
// permissive-by-default CORS wrapper the teacher's RPC surface uses is
// applied here too.
func NewServer(dbs *DBs) *Server {
	router := httprouter.New()
	router.PUT("/v2/stacker-db/:contract/:slot", putSlotHandler(dbs))
	router.GET("/v2/stacker-db/:contract/:slot", getSlotHandler(dbs))
	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPut},
	}).Handler(router)
	return &Server{dbs: dbs, srv: &http.Server{Handler: handler}}
}

// Serve starts accepting connections on the configured loopback address,
// mirroring the accept-then-dispatch shape of the teacher's
// Server.ServeListener (rpc/ipc.go), minus the JSON-RPC codec layer which
// has no analog here.
func (s *Server) Serve(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l
	log.Info("stackerdb loopback server listening", "addr", addr)
	return s.srv.Serve(l)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.srv.Close()
}

func putSlotHandler(dbs *DBs) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		contract := ps.ByName("contract")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sess := dbs.SessionFor(r.Host, contract)
		slot := parseSlot(ps.ByName("slot"))
		if err := sess.PutSlot(slot, body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getSlotHandler(dbs *DBs) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		contract := ps.ByName("contract")
		sess := dbs.SessionFor(r.Host, contract)
		slot := parseSlot(ps.ByName("slot"))
		v, ok := sess.GetSlot(slot)
		if !ok {
			http.Error(w, ErrSlotNotFound.Error(), http.StatusNotFound)
			return
		}
		w.Write(v)
	}
}

func parseSlot(s string) SlotID {
	if s == "block-pushed" {
		return SlotBlockPushed
	}
	return SlotBlockPushed
}
