package engine

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/proofgate/pkg/classify"
	"github.com/ethpandaops/proofgate/pkg/datareq"
	"github.com/ethpandaops/proofgate/pkg/upstream"
)

// dispatch issues one attempt for the read the caller leads. When every
// candidate is saturated it waits SaturationWait and retries with an
// overflow slot allowed.
func (e *Engine) dispatch(dr *datareq.Request, allowOverflow bool) {
	kind := upstreamKind(dr.Kind)

	idx, saturated := e.registry.Select(kind, dr.Exclude, dr.Preferred, dr.Method, dr.Block, allowOverflow)
	if idx == upstream.NoCandidate {
		if saturated && !allowOverflow {
			e.loop.After(e.registry.Options().SaturationWait, func() {
				e.dispatch(dr, true)
			})

			return
		}

		e.cache.Complete(dr, nil, errors.Wrap(ErrResourceExhausted, "no upstream available"))

		return
	}

	e.attempt(dr, kind, idx, allowOverflow)
}

func (e *Engine) attempt(dr *datareq.Request, kind upstream.Kind, idx int, overflow bool) {
	if !e.registry.OnAttemptStart(kind, idx, overflow) {
		e.cache.Complete(dr, nil, errors.Wrap(ErrResourceExhausted, "concurrency window closed"))

		return
	}

	dr.Upstream = idx
	dr.Attempts++

	u := e.registry.List(kind)[idx]

	req, err := e.buildRequest(dr, u.URL)
	if err != nil {
		e.registry.OnAttemptEnd(kind, idx, 0, classify.UserError, 0, dr.Method, false, false)
		e.cache.Complete(dr, nil, errors.Wrap(ErrUpstreamUser, err.Error()))

		return
	}

	start := time.Now()

	go func() {
		status, body, doErr := e.do(req)

		e.loop.Post(func() {
			e.onAttemptDone(dr, kind, idx, time.Since(start), status, body, doErr)
		})
	}()
}

func (e *Engine) buildRequest(dr *datareq.Request, base string) (*http.Request, error) {
	url := base

	if dr.URL != "" {
		url = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(dr.URL, "/")
	}

	var body io.Reader
	if len(dr.Payload) > 0 {
		body = bytes.NewReader(dr.Payload)
	}

	req, err := http.NewRequest(dr.Verb, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", dr.Encoding.Accept())

	if len(dr.Payload) > 0 {
		req.Header.Set("Content-Type", datareq.EncodingJSON.ContentType())
	}

	return req, nil
}

func (e *Engine) do(req *http.Request) (int, []byte, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, err
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, body, nil
}

func (e *Engine) onAttemptDone(dr *datareq.Request, kind upstream.Kind, idx int, latency time.Duration, status int, body []byte, doErr error) {
	timedOut := false

	if doErr != nil {
		status = 0
		timedOut = isTimeout(doErr)
	}

	class := classify.Response(status, body, dr)
	rateLimited := classify.RateLimited(status, body)

	e.registry.OnAttemptEnd(kind, idx, latency, class, status, dr.Method, rateLimited, timedOut)

	switch class {
	case classify.Success:
		if classify.ErrorIndicatesNotFound(status, body, dr) {
			e.cache.Complete(dr, nil, errors.Wrap(ErrNotFound, "null result"))

			return
		}

		e.cache.Complete(dr, body, nil)
	case classify.UserError:
		if classify.ErrorIndicatesNotFound(status, body, dr) {
			e.cache.Complete(dr, nil, errors.Wrap(ErrNotFound, errBody(body)))

			return
		}

		e.cache.Complete(dr, nil, errors.Wrap(ErrUpstreamUser, errBody(body)))
	case classify.Retry, classify.MethodNotSupported:
		e.retryOrFail(dr, kind, idx, class, status, body, doErr)
	}
}

func (e *Engine) retryOrFail(dr *datareq.Request, kind upstream.Kind, idx int, class classify.Class, status int, body []byte, doErr error) {
	dr.Exclude |= 1 << uint(idx)

	if class == classify.MethodNotSupported {
		e.registry.MarkUnsupported(kind, idx, dr.Method)
	}

	if dr.Attempts < e.retryBudget(dr) {
		next, saturated := e.registry.Select(kind, dr.Exclude, dr.Preferred, dr.Method, dr.Block, false)
		if next != upstream.NoCandidate {
			e.attempt(dr, kind, next, false)

			return
		}

		if saturated {
			e.loop.After(e.registry.Options().SaturationWait, func() {
				e.dispatch(dr, true)
			})

			return
		}
	}

	e.log.WithFields(logrus.Fields{
		"kind":     kind.String(),
		"method":   dr.Method,
		"url":      dr.URL,
		"attempts": dr.Attempts,
		"class":    class.String(),
	}).Debug("Read exhausted its candidates")

	e.cache.Complete(dr, nil, terminalError(class, status, body, doErr))
}

func terminalError(class classify.Class, status int, body []byte, doErr error) error {
	if class == classify.MethodNotSupported {
		return errors.Wrap(ErrMethodNotSupported, errBody(body))
	}

	if doErr != nil {
		return errors.Wrap(ErrTransport, doErr.Error())
	}

	return errors.Wrapf(ErrUpstreamServer, "status %d: %s", status, errBody(body))
}

func isTimeout(err error) bool {
	type timeouter interface {
		Timeout() bool
	}

	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}

	return strings.Contains(err.Error(), "deadline exceeded")
}
