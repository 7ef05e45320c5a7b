package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"

	"github.com/posmux/posmux/pkg/logx"
)

// HostAppConfig configures the host application location service adapter.
type HostAppConfig struct {
	Address        string        `json:"address"`
	Method         string        `json:"method"`
	PollInterval   time.Duration `json:"poll_interval"`
	RequestTimeout time.Duration `json:"request_timeout"`
	MountTimeout   time.Duration `json:"mount_timeout"`
	Priority       int           `json:"priority"`
}

// DefaultHostAppConfig returns defaults for a host service on the loopback
// interface.
func DefaultHostAppConfig() *HostAppConfig {
	return &HostAppConfig{
		Address:        "127.0.0.1:50051",
		Method:         "host.LocationService/GetFix",
		PollInterval:   10 * time.Second,
		RequestTimeout: 10 * time.Second,
		MountTimeout:   15 * time.Second,
		Priority:       1,
	}
}

// HostApp reads positions from the location service the host application
// exposes over gRPC. The service is resolved through server reflection at
// mount time, so no compiled stubs are needed; requests and responses are
// plain JSON carried by dynamically-built messages.
type HostApp struct {
	config       *HostAppConfig
	logger       *logx.Logger
	tracker      *healthTracker
	pollObserver func(time.Duration)

	mu      sync.Mutex
	conn    *grpc.ClientConn
	mounted bool
}

// NewHostApp creates the host application adapter. It does not dial; the
// connection is established by Mount.
func NewHostApp(config *HostAppConfig, logger *logx.Logger) *HostApp {
	if config == nil {
		config = DefaultHostAppConfig()
	}
	return &HostApp{
		config:  config,
		logger:  logger,
		tracker: &healthTracker{},
	}
}

// Name identifies this provider in logs, health maps and metrics labels.
func (h *HostApp) Name() string { return "hostapp" }

// Priority returns the configured arbitration rank (lower tries first).
func (h *HostApp) Priority() int { return h.config.Priority }

// Supported reports whether a service address is configured at all. The
// reachability of that address is established by Mount, not here.
func (h *HostApp) Supported() bool { return h.config.Address != "" }

// Health returns the current source health counters.
func (h *HostApp) Health() SourceHealth { return h.tracker.snapshot() }

// Mounted reports whether the reflection handshake has completed.
func (h *HostApp) Mounted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mounted
}

// Mount dials the host service and verifies through server reflection that
// the configured method's service exists. A missing service fails the
// handshake here instead of surfacing on the first poll.
func (h *HostApp) Mount(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mounted {
		return nil
	}

	serviceName, err := splitServiceMethod(h.config.Method)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.config.MountTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, h.config.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock())
	if err != nil {
		return fmt.Errorf("failed to connect to host location service at %s: %w", h.config.Address, err)
	}

	refClient := grpcreflect.NewClient(dialCtx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	descSource := grpcurl.DescriptorSourceFromServer(dialCtx, refClient)
	if _, err := descSource.FindSymbol(serviceName); err != nil {
		refClient.Reset()
		conn.Close()
		return fmt.Errorf("host location service does not expose %s: %w", serviceName, err)
	}
	refClient.Reset()

	h.conn = conn
	h.mounted = true
	h.tracker.setAvailable(true)

	if h.logger != nil {
		h.logger.Info("hostapp_mounted",
			"address", h.config.Address,
			"method", h.config.Method)
	}
	return nil
}

// Start begins polled observation of the host service. Mount must have
// succeeded first; an unmounted adapter reports unavailability through
// onError on every tick rather than panicking.
func (h *HostApp) Start(onReading ReadingFunc, onError ErrorFunc) Handle {
	poller := NewPoller(h.Name(), h.config.PollInterval, h.config.RequestTimeout, h.poll, h.tracker, h.logger)
	if h.pollObserver != nil {
		poller.SetPollObserver(h.pollObserver)
	}
	return poller.Start(onReading, onError)
}

// SetPollObserver installs a callback receiving the duration of every read
// attempt. Must be called before Start.
func (h *HostApp) SetPollObserver(fn func(time.Duration)) {
	h.pollObserver = fn
}

// Close tears down the underlying connection.
func (h *HostApp) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounted = false
	if h.conn != nil {
		err := h.conn.Close()
		h.conn = nil
		return err
	}
	return nil
}

// poll performs one JSON-over-reflection invocation against the host
// service. The descriptor source is rebuilt per request on the shared
// connection so its reflection stream lives exactly as long as the request.
func (h *HostApp) poll(ctx context.Context) (Fix, error) {
	h.mu.Lock()
	conn := h.conn
	mounted := h.mounted
	h.mu.Unlock()

	if !mounted || conn == nil {
		return Fix{}, NewError(KindUnavailable, "host location service not mounted")
	}

	refClient := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	defer refClient.Reset()
	descSource := grpcurl.DescriptorSourceFromServer(ctx, refClient)

	requestReader := grpcurl.NewJSONRequestParser(strings.NewReader("{}"), grpcurl.AnyResolverFromDescriptorSource(descSource))

	var responseBuffer strings.Builder
	formatter := grpcurl.NewJSONFormatter(false, grpcurl.AnyResolverFromDescriptorSource(descSource))
	handler := &grpcurl.DefaultEventHandler{
		Out:            &responseBuffer,
		Formatter:      formatter,
		VerbosityLevel: 0,
	}

	if err := grpcurl.InvokeRPC(ctx, descSource, conn, h.config.Method, nil, handler, requestReader.Next); err != nil {
		return Fix{}, classifyRPCError(err)
	}
	if handler.Status != nil && handler.Status.Code() != codes.OK {
		return Fix{}, classifyStatusCode(handler.Status.Code(), handler.Status.Message())
	}

	return parseHostFix(responseBuffer.String())
}

// hostFixPayload is the JSON shape the host service replies with. Pointer
// fields distinguish absent coordinates from explicit zeros.
type hostFixPayload struct {
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	AccuracyM  *float64 `json:"accuracy_m"`
	Accuracy   *float64 `json:"accuracy"`
	Satellites int      `json:"satellites"`
	SpeedMps   float64  `json:"speed_mps"`
}

// parseHostFix extracts a Fix from the host service response JSON.
func parseHostFix(raw string) (Fix, error) {
	var payload hostFixPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Fix{}, WrapError(KindInvalidReading, "malformed host service response", err)
	}
	if payload.Latitude == nil || payload.Longitude == nil {
		return Fix{}, NewError(KindInvalidReading, "host service response missing coordinates")
	}
	// A 0,0 pair is the service's way of reporting no fix yet.
	if *payload.Latitude == 0 && *payload.Longitude == 0 {
		return Fix{}, NewError(KindUnavailable, "host service has no fix")
	}

	accuracy := 0.0
	switch {
	case payload.AccuracyM != nil:
		accuracy = *payload.AccuracyM
	case payload.Accuracy != nil:
		accuracy = *payload.Accuracy
	}

	fix := Fix{
		Latitude:   *payload.Latitude,
		Longitude:  *payload.Longitude,
		AccuracyM:  accuracy,
		Timestamp:  time.Now(),
		Source:     "hostapp",
		Satellites: payload.Satellites,
		SpeedMps:   payload.SpeedMps,
	}
	if _, err := fix.Position(); err != nil {
		return Fix{}, Classify(err)
	}
	return fix, nil
}

// classifyRPCError maps a transport-level invoke failure onto the error
// taxonomy.
func classifyRPCError(err error) *Error {
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return classifyStatusCode(st.Code(), st.Message())
	}
	return Classify(err)
}

// classifyStatusCode maps gRPC status codes onto the error taxonomy.
func classifyStatusCode(code codes.Code, message string) *Error {
	if message == "" {
		message = code.String()
	}
	switch code {
	case codes.PermissionDenied, codes.Unauthenticated:
		return NewError(KindPermissionDenied, message)
	case codes.DeadlineExceeded:
		return NewError(KindTimeout, message)
	case codes.Unimplemented, codes.NotFound:
		return NewError(KindUnsupported, message)
	case codes.Aborted, codes.ResourceExhausted:
		return NewError(KindConcurrentRejected, message)
	default:
		return NewError(KindUnavailable, message)
	}
}

func splitServiceMethod(full string) (string, error) {
	idx := strings.LastIndex(full, "/")
	if idx <= 0 || idx == len(full)-1 {
		return "", fmt.Errorf("invalid service method %q, want \"package.Service/Method\"", full)
	}
	return full[:idx], nil
}
