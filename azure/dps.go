package azure

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/airtele/helpers"
	"github.com/temoto/airtele/internal/hub"
)

const dpsStatusAssigning = "assigning"

type Provisioner struct {
	opt   Options
	sleep helpers.Sleeper
}

func NewProvisioner(opt Options) *Provisioner {
	opt.setDefaults()
	return &Provisioner{opt: opt, sleep: helpers.SleepContext}
}

type dpsRequest struct {
	RegistrationID string         `json:"registrationId"`
	Payload        *dpsRequestPay `json:"payload,omitempty"`
}
type dpsRequestPay struct {
	ModelID string `json:"modelId"`
}

type dpsResponse struct {
	OperationID       string `json:"operationId"`
	Status            string `json:"status"`
	RegistrationState struct {
		AssignedHub  string `json:"assignedHub"`
		DeviceID     string `json:"deviceId"`
		Status       string `json:"status"`
		ErrorCode    int    `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	} `json:"registrationState"`
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
}

type dpsResult struct {
	response
	body []byte
}

// Register runs one DPS registration over short lived MQTT session.
func (p *Provisioner) Register(ctx context.Context, id hub.Identity, modelID string) (hub.Assignment, error) {
	log := p.opt.Log
	var a hub.Assignment
	resource := dpsResource(id.IDScope, id.DeviceID)
	creds := func() (string, string) {
		token, err := SASToken(resource, id.Key, dpsKeyName, p.opt.now().Add(p.opt.TokenTTL))
		if err != nil {
			log.Errorf("dps SAS token: %v", err)
		}
		return dpsUsername(id.IDScope, id.DeviceID), token
	}
	if _, err := SASToken(resource, id.Key, dpsKeyName, p.opt.now()); err != nil {
		return a, err
	}

	results := make(chan dpsResult, 4)
	client := newClient(&p.opt, p.opt.brokerURL(id.Endpoint), id.DeviceID, creds, nil)
	if err := waitToken(ctx, client.Connect(), p.opt.NetworkTimeout, "dps connect"); err != nil {
		return a, err
	}
	defer client.Disconnect(250)

	onResponse := func(_ mqtt.Client, m mqtt.Message) {
		r, err := parseResponseTopic(dpsResponsePrefix, m.Topic())
		if err != nil {
			log.Errorf("dps response: %v", err)
			return
		}
		select {
		case results <- dpsResult{response: r, body: m.Payload()}:
		default:
			log.Errorf("dps response dropped topic=%s", m.Topic())
		}
	}
	if err := waitToken(ctx, client.Subscribe(dpsSubscribe, 1, onResponse), p.opt.NetworkTimeout, "dps subscribe"); err != nil {
		return a, err
	}

	req := dpsRequest{RegistrationID: id.DeviceID}
	if modelID != "" {
		req.Payload = &dpsRequestPay{ModelID: modelID}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return a, errors.Annotate(err, "dps request marshal")
	}
	rid := uuid.New().String()
	topic := dpsRegisterTopic(rid)
	for {
		log.Debugf("dps publish topic=%s", topic)
		if err := waitToken(ctx, client.Publish(topic, 1, false, body), p.opt.NetworkTimeout, "dps publish"); err != nil {
			return a, err
		}
		res, err := p.await(ctx, results, rid)
		if err != nil {
			return a, err
		}

		var resp dpsResponse
		if len(res.body) != 0 {
			if err := json.Unmarshal(res.body, &resp); err != nil {
				return a, errors.Annotatef(err, "dps response status=%d body=%s", res.Status, res.body)
			}
		}
		log.Debugf("dps response status=%d operation=%s registration=%s", res.Status, resp.OperationID, resp.Status)

		switch {
		case res.Status >= 300:
			return a, &hub.ProvisioningError{
				Status: resp.Status,
				Err:    errors.Errorf("dps status=%d code=%d message=%s", res.Status, resp.ErrorCode, resp.Message),
			}

		case res.Status == 202 || resp.Status == dpsStatusAssigning:
			if resp.OperationID == "" {
				return a, &hub.ProvisioningError{Err: errors.Errorf("dps status=%d without operationId", res.Status)}
			}
			delay := res.RetryAfter
			if delay <= 0 {
				delay = p.opt.PollInterval
			}
			if err := p.sleep(ctx, delay); err != nil {
				return a, errors.Annotate(err, "dps poll")
			}
			body = nil
			rid = uuid.New().String()
			topic = dpsPollTopic(rid, resp.OperationID)
			continue
		}

		a.Status = resp.Status
		a.Hub = resp.RegistrationState.AssignedHub
		a.DeviceID = resp.RegistrationState.DeviceID
		if a.Status != hub.StatusAssigned && resp.RegistrationState.ErrorMessage != "" {
			return a, &hub.ProvisioningError{
				Status: a.Status,
				Err:    fmt.Errorf("code=%d %s", resp.RegistrationState.ErrorCode, resp.RegistrationState.ErrorMessage),
			}
		}
		return a, nil
	}
}

func (p *Provisioner) await(ctx context.Context, results <-chan dpsResult, rid string) (dpsResult, error) {
	tmr := time.NewTimer(p.opt.NetworkTimeout)
	defer tmr.Stop()
	for {
		select {
		case r := <-results:
			if r.RID == rid {
				return r, nil
			}
			p.opt.Log.Debugf("dps ignore response rid=%s want=%s", r.RID, rid)
		case <-ctx.Done():
			return dpsResult{}, errors.Annotate(ctx.Err(), "dps await response")
		case <-tmr.C:
			return dpsResult{}, errors.Timeoutf("dps response rid=%s after %v", rid, p.opt.NetworkTimeout)
		}
	}
}
