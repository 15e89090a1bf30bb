package sponsor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"claimdrop/internal/hmacauth"
	"claimdrop/internal/log"
)

// HTTPFunder posts funding requests to a collaborator at BaseURL/fund.
type HTTPFunder struct {
	client *resty.Client
	signer *hmacauth.Signer
}

type HTTPConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

func NewHTTPFunder(conf HTTPConfig) *HTTPFunder {
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(conf.URL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPFunder{client: client, signer: &hmacauth.Signer{Secret: conf.Secret}}
}

func (f *HTTPFunder) Fund(ctx context.Context, req FundRequest) (FundResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return FundResponse{}, err
	}
	var out FundResponse
	r := f.signer.Apply(f.client.R().SetContext(ctx), body).
		SetHeader("X-Correlation-ID", req.CorrelationID).
		SetResult(&out)

	log.L(ctx).Debugf("==> POST %s/fund", f.client.BaseURL)
	res, err := r.Post("/fund")
	if err != nil {
		return FundResponse{}, fmt.Errorf("funding request: %w", err)
	}
	log.L(ctx).Debugf("<== POST %s/fund [%d]", f.client.BaseURL, res.StatusCode())

	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		return FundResponse{}, ErrRateLimited
	case res.IsError():
		return FundResponse{}, fmt.Errorf("funding collaborator returned %d: %s", res.StatusCode(), strings.TrimSpace(res.String()))
	}
	return out, nil
}
