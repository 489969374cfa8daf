package twilio

import (
	"context"
	"errors"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// Dialer places outbound calls through the Twilio REST API. The answered
// call hits the voice webhook like any inbound one, so outbound calls reuse
// the whole media-stream path.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = (&Transport{cfg: d.cfg}).externalURL("https", d.cfg.VoicePath)
	}
	client := d.client
	if client == nil {
		client = restClient(d.cfg.AccountSID, d.cfg.AuthToken)
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("twilio returned no call sid")
	}
	return *resp.Sid, nil
}
