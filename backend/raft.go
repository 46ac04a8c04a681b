// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const (
	proposeTimeout   = 5 * time.Second
	clusterTimeout   = 10 * time.Second
	autoConfigPeriod = 2 * time.Second
	maxClusterBody   = 1 << 20
)

// RaftManager runs the raft node and the internal cluster API.
type RaftManager struct {
	Raft                  *raft.Raft
	FSM                   *FSM
	DataDir               string
	Bind                  string // "host:port" for Raft transport
	Advertise             string // "host:port" advertised to peers for Raft
	ClusterAdvertise      string // "host:port" or URL of the cluster API advertised to peers
	ClusterAddr           string // listen address of the cluster API
	Secret                string
	NodeID                string
	Bootstrap             bool
	UseProductionTimeouts bool

	// MasterKey, when set, encrypts raft snapshots at rest.
	MasterKey crypto.MasterKey

	LogOutput      io.Writer
	AppHandler     http.Handler
	AuthMiddleware func(http.Handler) http.Handler

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	internalServer *http.Server
	httpClient     *http.Client
	transport      *raft.NetworkTransport

	storesMu    sync.Mutex
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
}

func NewRaftManager(dataDir, bind, advertise, clusterAdvertise, clusterAddr, secret string, fsm *FSM) *RaftManager {
	rm := &RaftManager{
		DataDir:          dataDir,
		Bind:             bind,
		Advertise:        advertise,
		ClusterAdvertise: clusterAdvertise,
		ClusterAddr:      clusterAddr,
		Secret:           secret,
		FSM:              fsm,
		LogOutput:        os.Stderr,
		shutdownCh:       make(chan struct{}),
		httpClient:       &http.Client{Timeout: clusterTimeout},
	}
	if fsm != nil {
		fsm.rm = rm
	}
	return rm
}

// loadOrCreateNodeID returns the id stored in the raft directory, creating
// one on first start.
func (rm *RaftManager) loadOrCreateNodeID() (string, error) {
	path := filepath.Join(rm.DataDir, "node-id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	return id, nil
}

func (rm *RaftManager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	if rm.UseProductionTimeouts {
		config.HeartbeatTimeout = 5 * time.Second
		config.ElectionTimeout = 20 * time.Second
		config.LeaderLeaseTimeout = 5 * time.Second
	} else {
		config.HeartbeatTimeout = 1000 * time.Millisecond
		config.ElectionTimeout = 1000 * time.Millisecond
		config.LeaderLeaseTimeout = 500 * time.Millisecond
	}
	config.CommitTimeout = 500 * time.Millisecond
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 20480
	config.MaxAppendEntries = 200
	config.LogLevel = "INFO"
	if rm.LogOutput != nil {
		config.LogOutput = rm.LogOutput
	}
	return config
}

func (rm *RaftManager) Start(bootstrap bool) error {
	rm.Bootstrap = bootstrap
	if err := os.MkdirAll(rm.DataDir, 0755); err != nil {
		return err
	}
	id, err := rm.loadOrCreateNodeID()
	if err != nil {
		return fmt.Errorf("failed to load node id: %w", err)
	}
	rm.NodeID = id
	log.Printf("NodeID: %s", rm.NodeID)

	config := rm.raftConfig()
	notifyCh := make(chan bool, 1)
	config.NotifyCh = notifyCh

	var advertise net.Addr
	if rm.Advertise != "" {
		if advertise, err = net.ResolveTCPAddr("tcp", rm.Advertise); err != nil {
			return fmt.Errorf("invalid raft advertise address: %w", err)
		}
	}
	transport, err := raft.NewTCPTransport(rm.Bind, advertise, 3, clusterTimeout, rm.LogOutput)
	if err != nil {
		return fmt.Errorf("raft transport: %w", err)
	}
	rm.transport = transport

	if err := rm.openStores(); err != nil {
		transport.Close()
		return err
	}
	fileStore, err := raft.NewFileSnapshotStore(rm.DataDir, 1, rm.LogOutput)
	if err != nil {
		rm.closeStores()
		transport.Close()
		return err
	}
	snapshotStore := newSnapshotStore(fileStore, rm.MasterKey)

	r, err := raft.NewRaft(config, rm.FSM, rm.logStore, rm.stableStore, snapshotStore, transport)
	if err != nil {
		rm.closeStores()
		transport.Close()
		return err
	}
	rm.Raft = r

	if bootstrap {
		log.Printf("Bootstrapping Raft cluster with NodeID: %s", rm.NodeID)
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			log.Printf("Bootstrap error (might be already bootstrapped): %v", err)
		}
	}

	if rm.ClusterAddr != "" {
		if err := rm.startClusterAPI(); err != nil {
			rm.Shutdown()
			return err
		}
	}

	// Known locally before the first NODE_META entry commits.
	rm.FSM.nodeMap.Store(rm.NodeID, rm.selfMeta())
	go rm.monitorLeadership(notifyCh)
	go rm.monitorConfiguration()
	return nil
}

func (rm *RaftManager) openStores() error {
	rm.storesMu.Lock()
	defer rm.storesMu.Unlock()
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-log.bolt"))
	if err != nil {
		return err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-stable.bolt"))
	if err != nil {
		logStore.Close()
		return err
	}
	rm.logStore, rm.stableStore = logStore, stableStore
	return nil
}

func (rm *RaftManager) startClusterAPI() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cluster/status", rm.handleStatus)
	mux.HandleFunc("/api/cluster/join", rm.handleJoin)
	mux.HandleFunc("/api/cluster/remove", rm.handleRemove)
	mux.HandleFunc("/api/cluster/action", rm.handleAction)
	if rm.AppHandler != nil {
		mux.Handle("/", rm.AppHandler)
	}
	var handler http.Handler = mux
	if rm.AuthMiddleware != nil {
		handler = rm.AuthMiddleware(mux)
	}

	ln, err := net.Listen("tcp", rm.ClusterAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on cluster addr %s: %w", rm.ClusterAddr, err)
	}
	if rm.ClusterAdvertise == "" || strings.HasSuffix(rm.ClusterAdvertise, ":0") {
		host, _, _ := net.SplitHostPort(rm.ClusterAdvertise)
		if host == "" {
			host = "127.0.0.1"
		}
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		rm.ClusterAdvertise = net.JoinHostPort(host, port)
	}

	rm.internalServer = &http.Server{Handler: handler, ReadHeaderTimeout: clusterTimeout}
	go func() {
		log.Printf("Starting Internal Cluster API on %s...", ln.Addr())
		if err := rm.internalServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Internal Server Error: %v", err)
		}
	}()
	return nil
}

func (rm *RaftManager) raftAddr() string {
	if rm.transport != nil {
		return string(rm.transport.LocalAddr())
	}
	if rm.Advertise != "" {
		return rm.Advertise
	}
	return rm.Bind
}

func (rm *RaftManager) selfMeta() *NodeMeta {
	return &NodeMeta{
		NodeID:          rm.NodeID,
		HttpAddr:        rm.ClusterAdvertise,
		RaftAddr:        rm.raftAddr(),
		AppVersion:      CurrentAppVersion,
		ProtocolVersion: CurrentProtocolVersion,
		SchemaVersion:   CurrentSchemaVersion,
	}
}

// IsLeader reports whether this node is the raft leader.
func (rm *RaftManager) IsLeader() bool {
	return rm.Raft != nil && rm.Raft.State() == raft.Leader
}

// GetHTTPClient returns the client used for calls to other nodes.
func (rm *RaftManager) GetHTTPClient() *http.Client {
	return rm.httpClient
}

// WaitForSync blocks until the FSM has applied every entry currently in the
// log, so that a restarted node doesn't serve stale games.
func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	if rm.Raft == nil {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for Raft sync (applied: %d, last: %d)", rm.Raft.AppliedIndex(), rm.Raft.LastIndex())
		case <-ticker.C:
			if rm.Raft.AppliedIndex() >= rm.Raft.LastIndex() {
				return nil
			}
		}
	}
}

// Propose commits cmd and returns its log index. An error returned by the
// FSM is returned as is.
func (rm *RaftManager) Propose(cmd RaftCommand) (uint64, error) {
	if !rm.IsLeader() {
		return 0, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}
	f := rm.Raft.Apply(data, proposeTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, ErrNotLeader
		}
		return 0, err
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return f.Index(), err
	}
	return f.Index(), nil
}

// Join adds a node to the cluster and records its metadata.
func (rm *RaftManager) Join(meta NodeMeta, nonVoter bool) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	log.Printf("Received join request for remote node %s at Raft:%s, HTTP:%s (nonVoter: %v)", meta.NodeID, meta.RaftAddr, meta.HttpAddr, nonVoter)

	if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: &meta}); err != nil {
		return fmt.Errorf("failed to store node metadata: %w", err)
	}
	var f raft.IndexFuture
	if nonVoter {
		f = rm.Raft.AddNonvoter(raft.ServerID(meta.NodeID), raft.ServerAddress(meta.RaftAddr), 0, 0)
	} else {
		f = rm.Raft.AddVoter(raft.ServerID(meta.NodeID), raft.ServerAddress(meta.RaftAddr), 0, 0)
	}
	if err := f.Error(); err != nil {
		return err
	}
	log.Printf("Node %s joined successfully", meta.NodeID)
	return nil
}

// Leave removes a node from the cluster.
func (rm *RaftManager) Leave(nodeID string) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	log.Printf("Received leave request for node %s", nodeID)
	if err := rm.Raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return err
	}
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: nodeID}}); err != nil {
		log.Printf("Warning: Failed to broadcast node removal: %v", err)
	}
	log.Printf("Node %s removed successfully", nodeID)
	return nil
}

// checkClusterRequest enforces the shared secret and rejects forwarding
// loops. It writes the error response and returns false on failure.
func (rm *RaftManager) checkClusterRequest(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return false
	}
	if forwarded := r.Header.Get("X-Raft-Forwarded"); forwarded != "" {
		for _, id := range strings.Split(forwarded, ",") {
			if strings.TrimSpace(id) == rm.NodeID {
				http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
				return false
			}
		}
	}
	if rm.Secret == "" || r.Header.Get("X-Raft-Secret") != rm.Secret {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return false
	}
	return true
}

// clusterStatus is the body of GET /api/cluster/status.
type clusterStatus struct {
	NodeID          string        `json:"nodeId"`
	State           string        `json:"state"`
	LeaderID        string        `json:"leaderId"`
	LeaderAddr      string        `json:"leaderAddr"`
	RaftAddr        string        `json:"raftAddr"`
	AppVersion      string        `json:"appVersion"`
	ProtocolVersion int           `json:"protocolVersion"`
	SchemaVersion   int           `json:"schemaVersion"`
	AppliedIndex    uint64        `json:"appliedIndex"`
	Nodes           []clusterNode `json:"nodes,omitempty"`
}

type clusterNode struct {
	ID         string `json:"id"`
	RaftAddr   string `json:"raftAddr"`
	HttpAddr   string `json:"httpAddr"`
	Suffrage   string `json:"suffrage"`
	AppVersion string `json:"appVersion,omitempty"`
}

func (rm *RaftManager) status() clusterStatus {
	_, leaderID := rm.Raft.LeaderWithID()
	st := clusterStatus{
		NodeID:          rm.NodeID,
		State:           rm.Raft.State().String(),
		LeaderID:        string(leaderID),
		LeaderAddr:      rm.GetLeaderHTTPAddr(),
		RaftAddr:        rm.raftAddr(),
		AppVersion:      CurrentAppVersion,
		ProtocolVersion: CurrentProtocolVersion,
		SchemaVersion:   CurrentSchemaVersion,
		AppliedIndex:    rm.FSM.LastAppliedIndex(),
	}
	if cf := rm.Raft.GetConfiguration(); cf.Error() == nil {
		for _, s := range cf.Configuration().Servers {
			n := clusterNode{
				ID:       string(s.ID),
				RaftAddr: string(s.Address),
				HttpAddr: rm.FSM.GetNodeAddr(string(s.ID)),
				Suffrage: s.Suffrage.String(),
			}
			if meta := rm.FSM.GetNodeMeta(string(s.ID)); meta != nil {
				n.AppVersion = meta.AppVersion
			}
			st.Nodes = append(st.Nodes, n)
		}
	}
	return st
}

func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !rm.checkClusterRequest(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rm.status())
}

func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !rm.checkClusterRequest(w, r, http.MethodPost) {
		return
	}
	if !rm.IsLeader() {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var data struct {
		NodeMeta
		NonVoter bool `json:"nonVoter"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxClusterBody)).Decode(&data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if data.HttpAddr == "" {
		http.Error(w, "Missing required field: httpAddr", http.StatusBadRequest)
		return
	}
	if data.NodeID == "" || data.RaftAddr == "" {
		st, err := rm.discoverNode(data.HttpAddr)
		if err != nil {
			log.Printf("Discovery failed for %s: %v", data.HttpAddr, err)
			http.Error(w, fmt.Sprintf("Discovery failed: %v", err), http.StatusBadGateway)
			return
		}
		data.NodeID = st.NodeID
		data.RaftAddr = st.RaftAddr
		data.AppVersion = st.AppVersion
		data.ProtocolVersion = st.ProtocolVersion
		data.SchemaVersion = st.SchemaVersion
	}
	if _, _, err := net.SplitHostPort(data.RaftAddr); err != nil {
		http.Error(w, "Invalid RaftAddr: must be host:port", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(data.HttpAddr); err != nil {
		u, pErr := url.Parse(data.HttpAddr)
		if pErr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			http.Error(w, "Invalid HttpAddr: must be host:port or valid URL", http.StatusBadRequest)
			return
		}
	}
	if data.ProtocolVersion > CurrentProtocolVersion {
		http.Error(w, fmt.Sprintf("Node speaks protocol %d, leader only %d", data.ProtocolVersion, CurrentProtocolVersion), http.StatusConflict)
		return
	}

	if err := rm.Join(data.NodeMeta, data.NonVoter); err != nil {
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Node %s joined cluster", data.NodeID)
}

func clusterURL(addr, path string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + path
}

// discoverNode asks a node for its identity through its status endpoint.
func (rm *RaftManager) discoverNode(addr string) (*clusterStatus, error) {
	target := clusterURL(addr, "/api/cluster/status")
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Raft-Secret", rm.Secret)
	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discoverNode(%q): %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("node returned status %d: %s", resp.StatusCode, string(body))
	}
	var st clusterStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	if st.NodeID == "" || st.RaftAddr == "" {
		return nil, fmt.Errorf("incomplete status from %s", addr)
	}
	return &st, nil
}

func (rm *RaftManager) handleRemove(w http.ResponseWriter, r *http.Request) {
	if !rm.checkClusterRequest(w, r, http.MethodPost) {
		return
	}
	if !rm.IsLeader() {
		rm.forwardRequestToLeader(w, r)
		return
	}
	var data struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxClusterBody)).Decode(&data); err != nil || data.NodeID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := rm.Leave(data.NodeID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to remove node: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Node %s removed from cluster", data.NodeID)
}

func (rm *RaftManager) forwardRequestToLeader(w http.ResponseWriter, r *http.Request) {
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		http.Error(w, "No leader found", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxClusterBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	req, err := http.NewRequest(r.Method, clusterURL(leaderAddr, r.URL.Path), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Failed to create forward request", http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()
	forwarded := rm.NodeID
	if prev := r.Header.Get("X-Raft-Forwarded"); prev != "" {
		forwarded = prev + "," + forwarded
	}
	req.Header.Set("X-Raft-Forwarded", forwarded)
	req.Header.Set("X-Raft-Secret", rm.Secret)

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleAction serves actions forwarded by followers. The user comes from
// the forwarded auth cookie or header.
func (rm *RaftManager) handleAction(w http.ResponseWriter, r *http.Request) {
	if !rm.checkClusterRequest(w, r, http.MethodPost) {
		return
	}
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxClusterBody)).Decode(&msg); err != nil {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}
	if !isValidUUID(msg.GameId) {
		http.Error(w, "Bad Request: gameId is missing", http.StatusBadRequest)
		return
	}

	reply := make(chan HubResponse, 1)
	rm.FSM.GetHub(msg.GameId).requests <- HubRequest{
		Type:    ReqTypeHTTPAction,
		UserId:  getUserID(r),
		Headers: r.Header,
		Message: msg,
		Reply:   reply,
	}
	resp := <-reply
	if resp.Error != nil {
		log.Printf("Error processing forwarded HTTP action: %v", resp.Error)
		http.Error(w, resp.Error.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp.Data)
}

// GetLeaderHTTPAddr returns the cluster API address of the current leader.
func (rm *RaftManager) GetLeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

// monitorLeadership publishes this node's metadata each time it becomes
// leader.
func (rm *RaftManager) monitorLeadership(notifyCh <-chan bool) {
	for {
		select {
		case <-rm.shutdownCh:
			return
		case isLeader := <-notifyCh:
			if !isLeader {
				continue
			}
			log.Printf("Leadership acquired by %s", rm.NodeID)
			if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: rm.selfMeta()}); err != nil {
				log.Printf("Failed to propose node metadata: %v", err)
			}
		}
	}
}

// monitorConfiguration keeps the leader's own entry in the node map current
// after an address change.
func (rm *RaftManager) monitorConfiguration() {
	ticker := time.NewTicker(autoConfigPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-rm.shutdownCh:
			return
		case <-ticker.C:
			if !rm.IsLeader() {
				continue
			}
			meta := rm.FSM.GetNodeMeta(rm.NodeID)
			if meta != nil && meta.HttpAddr == rm.ClusterAdvertise && meta.RaftAddr == rm.raftAddr() {
				continue
			}
			log.Printf("[AutoConfig] Updating own metadata (http %q, raft %q)", rm.ClusterAdvertise, rm.raftAddr())
			if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: rm.selfMeta()}); err != nil {
				log.Printf("[AutoConfig] Failed to update own metadata: %v", err)
			}
		}
	}
}

// Shutdown transfers leadership if possible and stops the node.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() {
		close(rm.shutdownCh)
	})
	if rm.internalServer != nil {
		rm.internalServer.Close()
	}
	if rm.Raft == nil {
		rm.closeStores()
		return nil
	}

	if rm.IsLeader() {
		log.Printf("Attempting leadership transfer before shutdown...")
		done := make(chan error, 1)
		go func() { done <- rm.Raft.LeadershipTransfer().Error() }()
		select {
		case err := <-done:
			if err != nil {
				log.Printf("Leadership transfer failed (continuing): %v", err)
			}
		case <-time.After(5 * time.Second):
			log.Printf("Leadership transfer timed out (continuing).")
		}
	}

	err := rm.Raft.Shutdown().Error()
	if rm.transport != nil {
		rm.transport.Close()
	}
	rm.closeStores()
	return err
}

func (rm *RaftManager) closeStores() {
	rm.storesMu.Lock()
	defer rm.storesMu.Unlock()
	if rm.logStore != nil {
		rm.logStore.Close()
		rm.logStore = nil
	}
	if rm.stableStore != nil {
		rm.stableStore.Close()
		rm.stableStore = nil
	}
}
