package sastest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
)

// Recorded is one request seen by the Server.
type Recorded struct {
	Operation string
	Header    http.Header
	Item      map[string]any
}

// Server is an httptest SAS. Each primitive is served at /<operation>; the
// response code, HTTP status and artificial delay can be scripted per
// operation.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	codes    map[string]sas.ResponseCode
	statuses map[string]int
	delays   map[string]time.Duration
	raw      map[string]string
	requests []Recorded
	seq      int

	now               func() time.Time
	transmitWindow    time.Duration
	heartbeatInterval int
}

// NewServer starts a server; call Close when done.
func NewServer() *Server {
	s := &Server{
		codes:             make(map[string]sas.ResponseCode),
		statuses:          make(map[string]int),
		delays:            make(map[string]time.Duration),
		raw:               make(map[string]string),
		now:               time.Now,
		transmitWindow:    DefaultTransmitWindow,
		heartbeatInterval: 60,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetClock replaces the server's notion of time for expiry fields.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetHeartbeatInterval sets the interval, in seconds, returned by grant and
// heartbeat replies.
func (s *Server) SetHeartbeatInterval(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatInterval = seconds
}

// SetTransmitWindow sets how far past now heartbeats renew transmission.
func (s *Server) SetTransmitWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transmitWindow = d
}

// SetCode makes op answer with the given SAS response code.
func (s *Server) SetCode(op string, code sas.ResponseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[op] = code
}

// SetStatus makes op answer with a bare HTTP status.
func (s *Server) SetStatus(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[op] = status
}

// SetDelay stalls op before replying.
func (s *Server) SetDelay(op string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[op] = d
}

// SetRawBody makes op reply 200 with body verbatim.
func (s *Server) SetRawBody(op, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[op] = body
}

// Clear removes everything scripted for op.
func (s *Server) Clear(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, op)
	delete(s.statuses, op)
	delete(s.delays, op)
	delete(s.raw, op)
}

// Requests returns every recorded request for op.
func (s *Server) Requests(op string) []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Recorded
	for _, r := range s.requests {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path[strings.LastIndex(r.URL.Path, "/"):], "/")
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body map[string][]map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	items := body[op+"Request"]
	if len(items) == 0 {
		http.Error(w, "missing "+op+"Request", http.StatusBadRequest)
		return
	}
	item := items[0]

	s.mu.Lock()
	s.requests = append(s.requests, Recorded{Operation: op, Header: r.Header.Clone(), Item: item})
	s.seq++
	n := s.seq
	code := s.codes[op]
	status := s.statuses[op]
	delay := s.delays[op]
	raw, hasRaw := s.raw[op]
	now := s.now()
	window := s.transmitWindow
	interval := s.heartbeatInterval
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if hasRaw {
		_, _ = w.Write([]byte(raw))
		return
	}

	resp := map[string]any{
		"response": map[string]any{"responseCode": int(code), "responseMessage": code.String()},
	}
	if id, ok := item["cbsdId"]; ok {
		resp["cbsdId"] = id
	}
	if id, ok := item["grantId"]; ok {
		resp["grantId"] = id
	}
	if code == sas.CodeSuccess {
		switch op {
		case sas.OpRegister:
			resp["cbsdId"] = fmt.Sprintf("%v/%v", item["fccId"], item["cbsdSerialNumber"])
		case sas.OpSpectrumInquiry:
			var channels []map[string]any
			if ranges, ok := item["inquiredSpectrum"].([]any); ok {
				for _, rg := range ranges {
					channels = append(channels, map[string]any{
						"frequencyRange": rg,
						"channelType":    "GAA",
						"ruleApplied":    "FCC_PART_96",
					})
				}
			}
			resp["availableChannel"] = channels
		case sas.OpGrant:
			resp["grantId"] = fmt.Sprintf("grant-%d", n)
			resp["grantExpireTime"] = sas.FormatWireTime(now.Add(24 * time.Hour))
			resp["heartbeatInterval"] = interval
			resp["channelType"] = "GAA"
		case sas.OpHeartbeat:
			resp["transmitExpireTime"] = sas.FormatWireTime(now.Add(window))
			resp["heartbeatInterval"] = interval
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{op + "Response": []any{resp}})
}
