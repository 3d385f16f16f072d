package connectivity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const maxFormSize = 1 << 20

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type FormIntakeParams struct {
	Queue          *offline.Queue
	Monitor        *Monitor
	Notifier       notify.Notifier
	HttpClient     *http.Client
	UpstreamURL    string
	MetricsManager *metrics.Manager
}

// FormIntake receives the tracked form submissions. Online they are forwarded
// upstream unchanged; offline they are queued and saved as local records.
type FormIntake struct {
	queue          *offline.Queue
	monitor        *Monitor
	notifier       notify.Notifier
	httpClient     *http.Client
	upstream       *url.URL
	metricsManager *metrics.Manager
}

type queuedResponse struct {
	Queued     bool              `json:"queued"`
	MutationID int64             `json:"mutationId"`
	Type       offline.EntryType `json:"type"`
	Message    string            `json:"message"`
}

func NewFormIntake(params FormIntakeParams) (*FormIntake, error) {
	if params.Queue == nil || params.Monitor == nil {
		return nil, errors.New("form intake: queue and monitor are required")
	}
	upstream, err := url.Parse(params.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("form intake: parse upstream url: %w", err)
	}

	httpClient := params.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	// redirects from upstream go back to the browser as they are
	noRedirects := *httpClient
	noRedirects.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &FormIntake{
		queue:          params.Queue,
		monitor:        params.Monitor,
		notifier:       params.Notifier,
		httpClient:     &noRedirects,
		upstream:       upstream,
		metricsManager: params.MetricsManager,
	}, nil
}

func (f *FormIntake) countSubmission(outcome string) {
	if f.metricsManager != nil {
		f.metricsManager.CounterForwardedSubmissions.WithLabelValues(outcome).Inc()
	}
}

func (f *FormIntake) publish(ev notify.Event) {
	if f.notifier != nil {
		f.notifier.Publish(ev)
	}
}

func (f *FormIntake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, span := tracing.GlobalTracer.Start(r.Context(), "connectivity.intake.submit")
	defer span.End()
	r = r.WithContext(ctx)

	entryType, ok := offline.EntryTypeForPath(r.URL.Path)
	if !ok {
		http.Error(w, "not a tracked form", http.StatusNotFound)
		return
	}
	span.SetAttributes(attribute.String("entry.type", string(entryType)))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormSize+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxFormSize {
		http.Error(w, "form too large", http.StatusRequestEntityTooLarge)
		return
	}

	if f.monitor.Online() {
		err := f.forward(w, r, body)
		if err == nil {
			f.countSubmission("forwarded")
			return
		}
		log.Warnf("form intake: forward %s failed, saving offline: %s", r.URL.Path, err)
		f.monitor.SetOnline(ctx, false, "forward failed")
	}

	f.saveOffline(w, r, entryType, body)
}

func (f *FormIntake) forward(w http.ResponseWriter, r *http.Request, body []byte) error {
	target := f.upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if ip := pkg.ReadUserIP(r); ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// headers are already out, nothing left to fall back to
		log.Errorf("form intake: copy upstream response: %s", err)
	}
	return nil
}

func (f *FormIntake) saveOffline(w http.ResponseWriter, r *http.Request, entryType offline.EntryType, body []byte) {
	ctx := r.Context()

	payload, err := ParsePayload(r.Header.Get("Content-Type"), body)
	if err != nil {
		f.countSubmission("rejected")
		http.Error(w, fmt.Sprintf("invalid form: %s", err), http.StatusBadRequest)
		return
	}

	id, err := f.queue.EnqueueMutation(ctx, r.URL.Path, http.MethodPost, payload)
	if err != nil {
		log.Errorf("form intake: enqueue %s: %s", r.URL.Path, err)
		f.countSubmission("rejected")
		f.publish(notify.Toast(notify.LevelError, fmt.Sprintf(notify.MsgSaveFailed, strings.ToLower(entryType.Label()))))
		http.Error(w, "offline storage unavailable", http.StatusServiceUnavailable)
		return
	}

	// the queued mutation is the durable write, the local copy only feeds the display
	if _, err := f.queue.RecordLocalEntry(ctx, entryType, payload); err != nil {
		log.Errorf("form intake: record local %s entry for mutation [%d]: %s", entryType, id, err)
	}

	message := fmt.Sprintf(notify.MsgSavedLocally, entryType.Label())
	f.publish(notify.Toast(notify.LevelSuccess, message))
	f.countSubmission("queued")

	if wantsJSON(r) {
		pkg.WriteJSONResponse(w, queuedResponse{
			Queued:     true,
			MutationID: id,
			Type:       entryType,
			Message:    message,
		}, http.StatusAccepted)
		return
	}

	back := r.Referer()
	if back == "" {
		back = "/"
	}
	http.Redirect(w, r, back, http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/json"
}

// ParsePayload extracts the submitted fields. Form values are kept as strings;
// for a repeated field the last value wins.
func ParsePayload(contentType string, body []byte) (offline.Payload, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil && contentType != "" {
		return nil, fmt.Errorf("content type: %w", err)
	}

	payload := offline.Payload{}
	switch mediaType {
	case "application/json":
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.UseNumber()
		if err := decoder.Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		for k, v := range payload {
			if n, ok := v.(json.Number); ok {
				if i, err := n.Int64(); err == nil {
					payload[k] = i
				} else if fl, err := n.Float64(); err == nil {
					payload[k] = fl
				}
			}
		}
	case "multipart/form-data":
		req := &http.Request{
			Method: http.MethodPost,
			Header: http.Header{"Content-Type": {mime.FormatMediaType(mediaType, params)}},
			Body:   io.NopCloser(bytes.NewReader(body)),
		}
		if err := req.ParseMultipartForm(maxFormSize); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		for k, values := range req.MultipartForm.Value {
			if len(values) > 0 {
				payload[k] = values[len(values)-1]
			}
		}
	case "", "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		for k, vs := range values {
			if len(vs) > 0 {
				payload[k] = vs[len(vs)-1]
			}
		}
	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
	return payload, nil
}
