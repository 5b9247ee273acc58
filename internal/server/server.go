// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/channel-monitor/internal/chainsync"
	"github.com/smartdevs17/channel-monitor/internal/config"
	"github.com/smartdevs17/channel-monitor/internal/connection"
	"github.com/smartdevs17/channel-monitor/internal/metrics"
	"github.com/smartdevs17/channel-monitor/internal/models"
	"github.com/smartdevs17/channel-monitor/internal/requests"
	"github.com/smartdevs17/channel-monitor/internal/storage"
	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// HTTPServer exposes the ingestion and introspection API
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	storage        storage.Storage
	requests       *requests.Store
	synchronizer   *chainsync.Synchronizer
	connection     connection.Manager
	metricsManager *metrics.Manager
	logger         *logrus.Logger
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(
	cfg *config.ServerConfig,
	store storage.Storage,
	requestStore *requests.Store,
	synchronizer *chainsync.Synchronizer,
	conn connection.Manager,
	metricsManager *metrics.Manager,
) *HTTPServer {
	server := &HTTPServer{
		config:         cfg,
		storage:        store,
		requests:       requestStore,
		synchronizer:   synchronizer,
		connection:     conn,
		metricsManager: metricsManager,
		logger:         utils.GetLogger(),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return server
}

func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/monitor-request", s.submitRequestHandler).Methods("POST")
	api.HandleFunc("/channels/{token_network}/{identifier}", s.getChannelHandler).Methods("GET")
}

// Start begins serving in a background goroutine
func (s *HTTPServer) Start() {
	go func() {
		s.logger.WithField("addr", s.server.Addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Stop gracefully shuts the server down
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.connection.IsConnected() && s.storage.Ping() == nil

	status := http.StatusOK
	body := map[string]interface{}{"status": "healthy"}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	s.writeJSON(w, status, body)
}

func (s *HTTPServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, err := s.storage.LoadChainState(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	body := map[string]interface{}{
		"latest_committed_block": s.synchronizer.Watermark(),
		"connection":             s.connection.Stats(),
		"storage":                stats,
	}
	if state != nil {
		body["chain_id"] = state.ChainID
		body["receiver"] = state.Receiver.Hex()
	}
	s.writeJSON(w, http.StatusOK, body)
}

// monitorRequestPayload is the wire form of a monitor request. Numeric
// 256-bit values travel as strings, decimal or 0x-prefixed hex.
type monitorRequestPayload struct {
	ChannelIdentifier     string `json:"channel_identifier"`
	TokenNetworkAddress   string `json:"token_network_address"`
	ChainID               uint64 `json:"chain_id"`
	BalanceHash           string `json:"balance_hash"`
	Nonce                 uint64 `json:"nonce"`
	AdditionalHash        string `json:"additional_hash"`
	ClosingSignature      string `json:"closing_signature"`
	NonClosingSignature   string `json:"non_closing_signature"`
	MonitoringContract    string `json:"monitoring_contract"`
	RewardAmount          string `json:"reward_amount"`
	NonClosingParticipant string `json:"non_closing_participant"`
	RewardProofSignature  string `json:"reward_proof_signature"`
}

func (s *HTTPServer) submitRequestHandler(w http.ResponseWriter, r *http.Request) {
	var payload monitorRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, utils.NewAppError(utils.ErrCodeValidation, "Invalid JSON body", err.Error()))
		return
	}

	request, err := payload.toModel()
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.requests.Submit(r.Context(), request); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *HTTPServer) getChannelHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !utils.IsValidAddress(vars["token_network"]) {
		s.writeError(w, utils.NewAppError(utils.ErrCodeValidation, "Invalid token network address"))
		return
	}
	identifier, err := parseUint256(vars["identifier"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	channel, err := s.storage.GetChannel(r.Context(), common.HexToAddress(vars["token_network"]), identifier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if channel == nil {
		s.writeError(w, utils.NewAppError(utils.ErrCodeNotFound, "Channel not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, channel)
}

func (p *monitorRequestPayload) toModel() (*models.MonitorRequest, error) {
	for name, addr := range map[string]string{
		"token_network_address":   p.TokenNetworkAddress,
		"monitoring_contract":     p.MonitoringContract,
		"non_closing_participant": p.NonClosingParticipant,
	} {
		if !utils.IsValidAddress(addr) {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid address field", name)
		}
	}

	identifier, err := parseUint256(p.ChannelIdentifier)
	if err != nil {
		return nil, err
	}
	reward, err := parseUint256(p.RewardAmount)
	if err != nil {
		return nil, err
	}

	var sigs [3][]byte
	for i, raw := range []string{p.ClosingSignature, p.NonClosingSignature, p.RewardProofSignature} {
		if sigs[i], err = hexutil.Decode(raw); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid signature encoding", err.Error())
		}
	}

	return &models.MonitorRequest{
		ChannelIdentifier:     identifier,
		TokenNetworkAddress:   common.HexToAddress(p.TokenNetworkAddress),
		ChainID:               p.ChainID,
		BalanceHash:           common.HexToHash(p.BalanceHash),
		Nonce:                 p.Nonce,
		AdditionalHash:        common.HexToHash(p.AdditionalHash),
		ClosingSignature:      sigs[0],
		NonClosingSignature:   sigs[1],
		MonitoringContract:    common.HexToAddress(p.MonitoringContract),
		RewardAmount:          reward,
		NonClosingParticipant: common.HexToAddress(p.NonClosingParticipant),
		RewardProofSignature:  sigs[2],
	}, nil
}

func parseUint256(raw string) (*big.Int, error) {
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	v, ok := new(big.Int).SetString(raw, base)
	if !ok || v.Sign() < 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid uint256 value", raw)
	}
	return v, nil
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case utils.HasCode(err, utils.ErrCodeValidation), utils.HasCode(err, utils.ErrCodeSignature):
		status = http.StatusBadRequest
	case utils.HasCode(err, utils.ErrCodeNotFound):
		status = http.StatusNotFound
	}

	message := "Internal error"
	if appErr, ok := err.(*utils.AppError); ok && status != http.StatusInternalServerError {
		message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}
