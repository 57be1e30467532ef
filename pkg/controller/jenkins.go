package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tuxillo/fleetd/pkg/httpclient"
)

// JenkinsAdapter implements Adapter against a real Jenkins controller,
// grounded on original_source/control_plane/clients/jenkins.py's
// JenkinsClient — basic-auth'd REST calls against /queue/api/json,
// /computer/doCreateItem, /computer/{name}/doDelete,
// /computer/{name}/slave-agent.jnlp, and /computer/{name}/api/json,
// wrapped in the same bounded retry.
type JenkinsAdapter struct {
	baseURL  string
	authHdr  string
	client   *http.Client
	policy   httpclient.RetryPolicy
}

// NewJenkinsAdapter builds an adapter against baseURL, authenticating
// every request with HTTP basic auth (user, apiToken).
func NewJenkinsAdapter(baseURL, user, apiToken string, policy httpclient.RetryPolicy) *JenkinsAdapter {
	creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + apiToken))
	return &JenkinsAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		authHdr: "Basic " + creds,
		client:  &http.Client{},
		policy:  policy,
	}
}

func (j *JenkinsAdapter) headers() map[string]string {
	return map[string]string{"Authorization": j.authHdr}
}

func (j *JenkinsAdapter) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	return httpclient.Do(ctx, j.client, method, j.baseURL+path, j.policy, body, j.headers())
}

type queueResponse struct {
	Items []struct {
		AssignedLabel struct {
			Name string `json:"name"`
		} `json:"assignedLabel"`
	} `json:"items"`
}

// queueSnapshot fetches the whole Jenkins build queue and tallies it
// by label, the same shape as QueueSnapshot.queued_by_label.
func (j *JenkinsAdapter) queueSnapshot(ctx context.Context) (map[string]int, error) {
	data, _, err := j.do(ctx, http.MethodGet, "/queue/api/json", nil)
	if err != nil {
		return nil, err
	}
	var resp queueResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("controller: parsing queue snapshot: %w", err)
	}
	counts := make(map[string]int)
	for _, item := range resp.Items {
		if item.AssignedLabel.Name != "" {
			counts[item.AssignedLabel.Name]++
		}
	}
	return counts, nil
}

func (j *JenkinsAdapter) Queued(ctx context.Context, label string) (int, error) {
	counts, err := j.queueSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return counts[label], nil
}

func (j *JenkinsAdapter) CreateNode(ctx context.Context, name, label string) (CreateResult, error) {
	nodeDefinition := map[string]any{
		"name":             name,
		"nodeDescription":  "ephemeral vm node",
		"numExecutors":     "1",
		"remoteFS":         "/home/jenkins",
		"labelString":      label,
		"mode":             "EXCLUSIVE",
		"launcher":         map[string]any{"stapler-class": "hudson.slaves.JNLPLauncher", "$class": "hudson.slaves.JNLPLauncher"},
		"retentionStrategy": map[string]any{"stapler-class": "hudson.slaves.RetentionStrategy$Always", "$class": "hudson.slaves.RetentionStrategy$Always"},
		"nodeProperties":   map[string]any{"stapler-class-bag": "true"},
	}
	defJSON, err := json.Marshal(nodeDefinition)
	if err != nil {
		return CreateResult{}, err
	}
	form := url.Values{
		"name": {name},
		"type": {"hudson.slaves.DumbSlave$DescriptorImpl"},
		"json": {string(defJSON)},
	}
	if _, _, err := j.do(ctx, http.MethodPost, "/computer/doCreateItem?"+form.Encode(), nil); err != nil {
		return CreateResult{}, err
	}

	data, _, err := j.do(ctx, http.MethodGet, "/computer/"+name+"/slave-agent.jnlp", nil)
	if err != nil {
		return CreateResult{}, err
	}
	secret, err := extractInboundSecret(string(data), name)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Secret: secret}, nil
}

func extractInboundSecret(jnlp, nodeName string) (string, error) {
	const openTag, closeTag = "<argument>", "</argument>"
	start := strings.Index(jnlp, openTag)
	if start == -1 {
		return "", fmt.Errorf("controller: could not parse inbound secret for node %s", nodeName)
	}
	start += len(openTag)
	end := strings.Index(jnlp[start:], closeTag)
	if end == -1 {
		return "", fmt.Errorf("controller: could not parse inbound secret for node %s", nodeName)
	}
	return jnlp[start : start+end], nil
}

func (j *JenkinsAdapter) DeleteNode(ctx context.Context, name string) error {
	_, status, err := j.do(ctx, http.MethodPost, "/computer/"+name+"/doDelete", nil)
	if err != nil && status == http.StatusNotFound {
		return nil
	}
	return err
}

type computerStatus struct {
	Offline bool `json:"offline"`
	Idle    bool `json:"idle"`
}

func (j *JenkinsAdapter) NodeState(ctx context.Context, name string) (NodeState, error) {
	data, _, err := j.do(ctx, http.MethodGet, "/computer/"+name+"/api/json", nil)
	if err != nil {
		return NodeState{}, err
	}
	var status computerStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return NodeState{}, fmt.Errorf("controller: parsing node state for %s: %w", name, err)
	}
	online := !status.Offline
	return NodeState{Online: online, Busy: online && !status.Idle}, nil
}

type computerListResponse struct {
	Computer []struct {
		DisplayName string `json:"displayName"`
	} `json:"computer"`
}

func (j *JenkinsAdapter) ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	data, _, err := j.do(ctx, http.MethodGet, "/computer/api/json", nil)
	if err != nil {
		return nil, err
	}
	var resp computerListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("controller: parsing node list: %w", err)
	}
	var names []string
	for _, c := range resp.Computer {
		if strings.HasPrefix(c.DisplayName, prefix) {
			names = append(names, c.DisplayName)
		}
	}
	return names, nil
}
