// Package acmetest provides a minimal in-memory ACME v2 server for driving
// SPEC_FULL.md §8 scenarios S1, S3, S4 and S6 without a network dependency
// on a real CA, mirroring the teacher's own test style of exercising a real
// endpoint (autocertdns_test.go used Let's Encrypt staging) but made
// CI-runnable per SPEC_FULL.md §8.
package acmetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Server is a mock ACME v2 directory, nonce, account, order, authorization,
// challenge, and finalize endpoint set.
type Server struct {
	// FailFirstNewOrderWithBadNonce makes the first POST to newOrder return
	// a badNonce problem, to drive scenario S3.
	FailFirstNewOrderWithBadNonce bool
	// RateLimitNewOrder makes every POST to newOrder return 429 with the
	// given Retry-After, to drive scenario S4.
	RateLimitNewOrder   bool
	RateLimitRetryAfter time.Duration

	mu          sync.Mutex
	httpServer  *httptest.Server
	nonceSeq    int
	accounts    map[string]bool // key thumbprint -> registered
	orders      map[string]*orderState
	authz       map[string]*authzState
	orderSeq    int
	badNonceHit bool
}

type orderState struct {
	id             string
	status         string
	authzURLs      []string
	finalizeURL    string
	certificateURL string
	certDER        []byte
}

type authzState struct {
	id         string
	domain     string
	status     string
	challenges []challengeState
}

type challengeState struct {
	typ    string
	token  string
	url    string
	status string
}

// New starts the mock server.
func New() *Server {
	s := &Server{
		accounts: make(map[string]bool),
		orders:   make(map[string]*orderState),
		authz:    make(map[string]*authzState),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", s.handleDirectory)
	mux.HandleFunc("/new-nonce", s.handleNewNonce)
	mux.HandleFunc("/new-account", s.handleNewAccount)
	mux.HandleFunc("/new-order", s.handleNewOrder)
	mux.HandleFunc("/authz/", s.handleAuthz)
	mux.HandleFunc("/challenge/", s.handleChallenge)
	mux.HandleFunc("/finalize/", s.handleFinalize)
	mux.HandleFunc("/order/", s.handleOrder)
	mux.HandleFunc("/cert/", s.handleCert)
	s.httpServer = httptest.NewServer(mux)
	return s
}

// URL returns the directory URL to configure an acme.Client with.
func (s *Server) URL() string { return s.httpServer.URL + "/directory" }

// Close stops the server.
func (s *Server) Close() { s.httpServer.Close() }

func (s *Server) setNonce(w http.ResponseWriter) {
	s.mu.Lock()
	s.nonceSeq++
	n := s.nonceSeq
	s.mu.Unlock()
	w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", n))
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)
	base := s.httpServer.URL
	json.NewEncoder(w).Encode(map[string]string{
		"newNonce":   base + "/new-nonce",
		"newAccount": base + "/new-account",
		"newOrder":   base + "/new-order",
		"revokeCert": base + "/revoke",
	})
}

func (s *Server) handleNewNonce(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)
	w.Header().Set("Location", s.httpServer.URL+"/account/1")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "valid"})
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)

	if s.RateLimitNewOrder {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(s.RateLimitRetryAfter.Seconds())))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":   "urn:ietf:params:acme:error:rateLimited",
			"detail": "too many requests",
			"status": http.StatusTooManyRequests,
		})
		return
	}

	s.mu.Lock()
	if s.FailFirstNewOrderWithBadNonce && !s.badNonceHit {
		s.badNonceHit = true
		s.mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":   "urn:ietf:params:acme:error:badNonce",
			"detail": "bad nonce",
			"status": http.StatusBadRequest,
		})
		return
	}
	s.orderSeq++
	id := fmt.Sprintf("%d", s.orderSeq)
	authzID := "a" + id
	base := s.httpServer.URL

	order := &orderState{
		id:          id,
		status:      "pending",
		authzURLs:   []string{base + "/authz/" + authzID},
		finalizeURL: base + "/finalize/" + id,
	}
	s.orders[id] = order
	s.authz[authzID] = &authzState{
		id:     authzID,
		status: "pending",
		challenges: []challengeState{
			{typ: "dns-01", token: "token-" + authzID, url: base + "/challenge/" + authzID, status: "pending"},
		},
	}
	s.mu.Unlock()

	w.Header().Set("Location", base+"/order/"+id)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         order.status,
		"authorizations": order.authzURLs,
		"finalize":       order.finalizeURL,
	})
}

func (s *Server) handleAuthz(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)
	id := lastSegment(r.URL.Path)
	s.mu.Lock()
	a, ok := s.authz[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	chals := make([]map[string]string, len(a.challenges))
	for i, c := range a.challenges {
		chals[i] = map[string]string{"type": c.typ, "url": c.url, "token": c.token, "status": c.status}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     a.status,
		"challenges": chals,
	})
}

// handleChallenge marks the challenge (and, in this simplified mock, its
// parent authorization) valid as soon as it is POSTed to — real servers
// validate out-of-band before flipping status; the fulfiller-side behavior
// under test is exercised by package challenge's own tests, not here.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)
	id := lastSegment(r.URL.Path)
	s.mu.Lock()
	if a, ok := s.authz[id]; ok {
		a.status = "valid"
		for i := range a.challenges {
			a.challenges[i].status = "valid"
		}
	}
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"status": "valid"})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)
	id := lastSegment(r.URL.Path)
	s.mu.Lock()
	order, ok := s.orders[id]
	if ok {
		order.status = "valid"
		der := s.issueSelfSigned()
		order.certDER = der
		order.certificateURL = s.httpServer.URL + "/cert/" + id
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      order.status,
		"certificate": order.certificateURL,
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)
	id := lastSegment(r.URL.Path)
	s.mu.Lock()
	order, ok := s.orders[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := map[string]interface{}{"status": order.status}
	if order.certificateURL != "" {
		resp["certificate"] = order.certificateURL
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCert(w http.ResponseWriter, r *http.Request) {
	s.setNonce(w)
	id := lastSegment(r.URL.Path)
	s.mu.Lock()
	order, ok := s.orders[id]
	s.mu.Unlock()
	if !ok || order.certDER == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	pemEncodeCert(w, order.certDER)
}

func (s *Server) issueSelfSigned() []byte {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(s.orderSeq) + 1),
		Subject:      pkix.Name{CommonName: "mock.example.org"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, mustKey().Public(), mustKey())
	if err != nil {
		panic(err)
	}
	return der
}

var signingKey *ecdsa.PrivateKey

func mustKey() *ecdsa.PrivateKey {
	if signingKey == nil {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
		signingKey = k
	}
	return signingKey
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func pemEncodeCert(w http.ResponseWriter, der []byte) {
	fmt.Fprintf(w, "-----BEGIN CERTIFICATE-----\n%s\n-----END CERTIFICATE-----\n", base64.StdEncoding.EncodeToString(der))
}
