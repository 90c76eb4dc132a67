package app

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"beaconscan/go-scan-server/internal/beacon"
	"beaconscan/go-scan-server/internal/config"
	"beaconscan/go-scan-server/internal/model"
	"beaconscan/go-scan-server/internal/mqttbroker"
	"beaconscan/go-scan-server/internal/store"
	"beaconscan/go-scan-server/internal/tracker"

	"github.com/grandcat/zeroconf"
)

const advertisementTopicSuffix = "/advertisements"

// App wires together the BeaconScan services and manages their lifecycle.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	broker  *mqttbroker.Broker
	tracker *tracker.Tracker
	mdns    *zeroconf.Server

	// Non-beacon payloads are an expected outcome of scanning mixed BLE
	// traffic, so they are counted rather than reported as errors.
	unmatchedPayloads atomic.Uint64
	decodedSightings  atomic.Uint64
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:     cfg,
		logger:  logger,
		tracker: tracker.New(cfg.RSSISmoothing),
	}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	broker := mqttbroker.New(a.logger)
	broker.SetPublishHandler(a.handleMQTTPublish)
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	if a.cfg.EnableMDNS {
		if err := a.startMDNS(mqttPort(a.cfg.MQTTBindAddress)); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.broker.Stop()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

func mqttPort(bind string) int {
	idx := strings.LastIndex(bind, ":")
	if idx < 0 {
		return 1883
	}
	port, err := strconv.Atoi(bind[idx+1:])
	if err != nil || port <= 0 {
		return 1883
	}
	return port
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	if strings.HasPrefix(msg.Topic, "scanners/") && strings.HasSuffix(msg.Topic, advertisementTopicSuffix) {
		a.handleAdvertisement(ctx, msg)
	}
	// Other topics are monitor traffic; the broker forwards them on its own.
}

// handleAdvertisement ingests one scanner report: validate the envelope,
// decode the payload bytes, smooth the RSSI for the beacon's identity and
// persist the resulting sighting.
func (a *App) handleAdvertisement(ctx context.Context, msg mqttbroker.PublishMessage) {
	var ad model.Advertisement
	if err := json.Unmarshal(msg.Payload, &ad); err != nil {
		a.logger.Warn("mqtt payload decode failed", "topic", msg.Topic, "error", err)
		a.recordIngestionError(ctx, "", msg.Payload, fmt.Errorf("decode envelope: %w", err))
		return
	}

	if ad.ScannerID == "" {
		parts := strings.Split(msg.Topic, "/")
		if len(parts) >= 2 {
			ad.ScannerID = parts[1]
		}
	}

	if ad.Timestamp.IsZero() {
		ad.Timestamp = time.Now().UTC()
	}

	if ad.ScannerID == "" || ad.PayloadHex == "" {
		err := fmt.Errorf("missing required fields (scanner_id=%q payload=%d bytes)", ad.ScannerID, len(ad.PayloadHex))
		a.logger.Warn("mqtt payload validation failed", "topic", msg.Topic, "error", err)
		a.recordIngestionError(ctx, ad.ScannerID, msg.Payload, err)
		return
	}

	payload, err := hex.DecodeString(strings.TrimSpace(ad.PayloadHex))
	if err != nil {
		a.logger.Warn("advertisement hex decode failed", "scanner", ad.ScannerID, "error", err)
		a.recordIngestionError(ctx, ad.ScannerID, msg.Payload, fmt.Errorf("decode payload hex: %w", err))
		return
	}

	record, ok := beacon.DecodeAdvertisement(payload, ad.RSSI)
	if !ok {
		a.unmatchedPayloads.Add(1)
		a.logger.Debug("payload is not a known beacon advertisement", "scanner", ad.ScannerID, "bytes", len(payload))
		return
	}

	if avg, ok := a.tracker.Observe(record.IdentityKey(), record.RSSI()); ok {
		record.SetRunningAverageRSSI(avg)
	}

	sighting := sightingFromRecord(record, ad.ScannerID, ad.Timestamp)

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.store.InsertSighting(storeCtx, sighting); err != nil {
		a.logger.Error("failed to persist sighting", "scanner", ad.ScannerID, "beacon", record.IdentityKey(), "error", err)
		a.recordIngestionError(ctx, ad.ScannerID, msg.Payload, err)
		return
	}

	a.decodedSightings.Add(1)
	a.logger.Info("ingested beacon sighting",
		"scanner", ad.ScannerID,
		"format", record.Format().String(),
		"beacon", record.String(),
		"rssi", record.RSSI(),
		"proximity", record.Proximity().String())
}

// sightingFromRecord flattens a decoded record into the persistence shape.
// Accuracy and proximity are forced here, so the memoized estimates are
// computed from the running average installed just before.
func sightingFromRecord(record *beacon.Beacon, scannerID string, ts time.Time) model.Sighting {
	sighting := model.Sighting{
		ScannerID:   scannerID,
		Format:      record.Format().String(),
		RSSI:        record.RSSI(),
		TxPower:     record.TxPower(),
		Accuracy:    record.Accuracy(),
		Proximity:   record.Proximity().String(),
		IdentityKey: record.IdentityKey(),
		Timestamp:   ts,
	}

	switch record.Format() {
	case beacon.FormatIBeacon, beacon.FormatEstimoteLegacy:
		sighting.ProximityUUID = record.ProximityUUID()
		sighting.Major = record.Major()
		sighting.Minor = record.Minor()
	case beacon.FormatEddystoneUID:
		sighting.Namespace = record.Namespace()
		sighting.Instance = record.Instance()
	case beacon.FormatEddystoneURL:
		sighting.URL = record.URL()
	}

	return sighting
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/sightings", a.handleRecentSightings)
	mux.HandleFunc("/api/beacons", a.handleLatestBeacons)
	mux.HandleFunc("/api/decode", a.handleDecode)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/export/sightings", a.handleExportSightings)
	mux.HandleFunc("/api/admin/wipe", a.handleWipeDatabase)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.broker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleRecentSightings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var sinceOpt *time.Time
	if since := r.URL.Query().Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339Nano, since); err == nil {
			sinceOpt = &ts
		} else if ts, err := time.Parse(time.RFC3339, since); err == nil {
			sinceOpt = &ts
		}
	}

	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 250 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sightings, err := a.store.RecentSightings(ctx, limit, sinceOpt)
	if err != nil {
		a.logger.Error("failed to load recent sightings", "error", err)
		http.Error(w, "failed to load sightings", http.StatusInternalServerError)
		return
	}

	response := struct {
		Sightings []model.StoredSighting `json:"sightings"`
		Unmatched uint64                 `json:"unmatched_payloads"`
		Decoded   uint64                 `json:"decoded_sightings"`
	}{
		Sightings: sightings,
		Unmatched: a.unmatchedPayloads.Load(),
		Decoded:   a.decodedSightings.Load(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode sightings response", "error", err)
	}
}

func (a *App) handleLatestBeacons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	beacons, err := a.store.LatestSightings(ctx)
	if err != nil {
		a.logger.Error("failed to load latest beacons", "error", err)
		http.Error(w, "failed to load beacons", http.StatusInternalServerError)
		return
	}

	response := struct {
		Beacons []model.StoredSighting `json:"beacons"`
	}{Beacons: beacons}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode beacons response", "error", err)
	}
}

// handleDecode decodes an ad-hoc payload without persisting anything, for
// testing scanner captures against the decoder.
func (a *App) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PayloadHex string `json:"payload"`
		RSSI       int    `json:"rssi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	payload, err := hex.DecodeString(strings.TrimSpace(req.PayloadHex))
	if err != nil {
		http.Error(w, "payload is not valid hex", http.StatusBadRequest)
		return
	}

	record, ok := beacon.DecodeAdvertisement(payload, req.RSSI)
	if !ok {
		http.Error(w, "no beacon pattern matched", http.StatusUnprocessableEntity)
		return
	}

	sighting := sightingFromRecord(record, "", time.Now().UTC())
	response := struct {
		model.Sighting
		Display string `json:"display"`
	}{Sighting: sighting, Display: record.String()}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode decode response", "error", err)
	}
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.serveConfig(w, r)
	case http.MethodPost:
		a.updateConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	active := map[string]any{
		"http_port":      a.cfg.HTTPPort,
		"mqtt_bind":      a.cfg.MQTTBindAddress,
		"database_path":  a.cfg.DatabasePath,
		"log_level":      a.cfg.LogLevel,
		"rssi_smoothing": a.cfg.RSSISmoothing,
		"enable_mdns":    a.cfg.EnableMDNS,
	}

	response := struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{
		Active:    active,
		Persisted: persisted,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode config response", "error", err)
	}
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HTTPPort      *int     `json:"http_port"`
		RSSISmoothing *float64 `json:"rssi_smoothing"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	type updateResult struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}

	updates := []updateResult{}

	if req.HTTPPort != nil {
		port := *req.HTTPPort
		if port < 1 || port > 65535 {
			http.Error(w, "http_port must be between 1 and 65535", http.StatusBadRequest)
			return
		}
		if err := a.store.UpsertAppConfig(ctx, "http_port", strconv.Itoa(port)); err != nil {
			a.logger.Error("failed to update http_port", "error", err)
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
		updates = append(updates, updateResult{Key: "http_port", Value: strconv.Itoa(port)})
	}

	if req.RSSISmoothing != nil {
		alpha := *req.RSSISmoothing
		if alpha <= 0 || alpha > 1 {
			http.Error(w, "rssi_smoothing must be in (0, 1]", http.StatusBadRequest)
			return
		}
		value := strconv.FormatFloat(alpha, 'f', -1, 64)
		if err := a.store.UpsertAppConfig(ctx, "rssi_smoothing", value); err != nil {
			a.logger.Error("failed to update rssi_smoothing", "error", err)
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
		updates = append(updates, updateResult{Key: "rssi_smoothing", Value: value})
	}

	if len(updates) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"no supported fields provided"}`))
		return
	}

	resp := struct {
		Updates         []updateResult `json:"updates"`
		RequiresRestart bool           `json:"requires_restart"`
	}{
		Updates:         updates,
		RequiresRestart: true,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("failed to encode update response", "error", err)
	}
}

// handleExportSightings streams every iBeacon sighting as CSV. Identity
// columns follow the record's CSV projection: uppercase UUID, major, minor,
// tx power.
func (a *App) handleExportSightings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	sightings, err := a.store.AllSightings(ctx)
	if err != nil {
		a.logger.Error("export: failed to load sightings", "error", err)
		http.Error(w, "failed to load sightings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=beaconscan_sightings.csv")

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{
		"proximity_uuid",
		"major",
		"minor",
		"tx_power",
		"scanner_id",
		"rssi",
		"accuracy",
		"proximity",
		"recorded_at",
		"received_at",
	}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	for _, sighting := range sightings {
		if sighting.Format != beacon.FormatIBeacon.String() {
			continue
		}

		row := []string{
			strings.ToUpper(sighting.ProximityUUID),
			strconv.Itoa(sighting.Major),
			strconv.Itoa(sighting.Minor),
			strconv.Itoa(sighting.TxPower),
			sighting.ScannerID,
			strconv.Itoa(sighting.RSSI),
			fmt.Sprintf("%.4f", sighting.Accuracy),
			sighting.Proximity,
			sighting.RecordedAt.UTC().Format(time.RFC3339Nano),
			sighting.ReceivedAt.UTC().Format(time.RFC3339Nano),
		}

		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}

	if err := csvWriter.Error(); err != nil {
		a.logger.Error("export: writer error", "error", err)
	}
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}

	a.tracker.Reset()
	a.logger.Warn("wipe: all telemetry cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) recordIngestionError(ctx context.Context, scannerID string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		ScannerID: scannerID,
		Payload:   truncateString(string(payload), 4096),
		Error:     cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
