package azure

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	dpsAPIVersion = "2019-03-31"
	hubAPIVersion = "2021-04-12"

	dpsResponsePrefix = "$dps/registrations/res/"
	dpsSubscribe      = dpsResponsePrefix + "#"

	twinResponsePrefix = "$iothub/twin/res/"
	twinResSubscribe   = twinResponsePrefix + "#"
	twinDesiredPrefix  = "$iothub/twin/PATCH/properties/desired/"
	twinDesiredSub     = twinDesiredPrefix + "#"
)

func dpsResource(scope, registrationID string) string {
	return scope + "/registrations/" + registrationID
}

func dpsUsername(scope, registrationID string) string {
	return dpsResource(scope, registrationID) + "/api-version=" + dpsAPIVersion
}

func dpsRegisterTopic(rid string) string {
	return "$dps/registrations/PUT/iotdps-register/?$rid=" + url.QueryEscape(rid)
}

func dpsPollTopic(rid, operationID string) string {
	return "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=" + url.QueryEscape(rid) +
		"&operationId=" + url.QueryEscape(operationID)
}

func hubResource(hostname, deviceID string) string {
	return hostname + "/devices/" + deviceID
}

func hubUsername(hostname, deviceID, modelID string) string {
	u := hostname + "/" + deviceID + "/?api-version=" + hubAPIVersion
	if modelID != "" {
		u += "&model-id=" + url.QueryEscape(modelID)
	}
	return u
}

func telemetryTopic(deviceID, contentType, contentEncoding string) string {
	return "devices/" + deviceID + "/messages/events/" +
		"$.ct=" + url.QueryEscape(contentType) + "&$.ce=" + url.QueryEscape(contentEncoding)
}

func twinReportedTopic(rid string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + url.QueryEscape(rid)
}

// response is parsed `{prefix}{status}/?{query}` topic.
type response struct {
	Status     int
	RID        string
	RetryAfter time.Duration
	Query      url.Values
}

func parseResponseTopic(prefix, topic string) (response, error) {
	var r response
	rest := strings.TrimPrefix(topic, prefix)
	if rest == topic {
		return r, errors.NotValidf("topic=%s prefix=%s", topic, prefix)
	}
	status, query := rest, ""
	if i := strings.Index(rest, "/?"); i >= 0 {
		status, query = rest[:i], rest[i+2:]
	}
	var err error
	if r.Status, err = strconv.Atoi(strings.TrimSuffix(status, "/")); err != nil {
		return r, errors.Annotatef(err, "topic=%s status", topic)
	}
	if r.Query, err = url.ParseQuery(query); err != nil {
		return r, errors.Annotatef(err, "topic=%s query", topic)
	}
	r.RID = r.Query.Get("$rid")
	if s := r.Query.Get("retry-after"); s != "" {
		if sec, err := strconv.Atoi(s); err == nil && sec > 0 {
			r.RetryAfter = time.Duration(sec) * time.Second
		}
	}
	return r, nil
}

// desiredVersion extracts $version from desired patch topic, 0 when absent.
func desiredVersion(topic string) int64 {
	i := strings.Index(topic, "?")
	if i < 0 {
		return 0
	}
	q, err := url.ParseQuery(topic[i+1:])
	if err != nil {
		return 0
	}
	v, _ := strconv.ParseInt(q.Get("$version"), 10, 64)
	return v
}
