package stix

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const taxiiAccept = "application/taxii+json;version=2.1"

// PullRemote fetches the objects of the remote collection collectionID from
// a TAXII 2.1 server and hands them to addObjects for ingestion into the
// local DefaultCollection. If apiRoot is empty it is discovered via GET
// baseURL. It returns the number of objects ingested.
func PullRemote(baseURL, apiRoot, collectionID, addedAfter string, headers map[string]string, addObjects func(string, []json.RawMessage) (int, error)) (int, error) {
	client := &http.Client{Timeout: 20 * time.Second}

	if apiRoot == "" {
		discovered, err := discoverAPIRoot(client, baseURL, headers)
		if err != nil {
			return 0, err
		}
		apiRoot = discovered
	}

	if strings.HasPrefix(apiRoot, "/") {
		u, err := url.Parse(baseURL)
		if err != nil {
			return 0, fmt.Errorf("stix: invalid base url: %w", err)
		}
		ref, err := url.Parse(apiRoot)
		if err != nil {
			return 0, fmt.Errorf("stix: invalid api_root: %w", err)
		}
		apiRoot = u.ResolveReference(ref).String()
	}

	objectsURL := strings.TrimSuffix(apiRoot, "/") + "/collections/" + collectionID + "/objects/"

	req, err := http.NewRequest(http.MethodGet, objectsURL, nil)
	if err != nil {
		return 0, err
	}
	applyHeaders(req, headers)

	if addedAfter != "" {
		q := req.URL.Query()
		q.Set("added_after", addedAfter)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("stix: pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("stix: remote TAXII server returned %d", resp.StatusCode)
	}

	var payload struct {
		Objects []json.RawMessage `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("stix: decode objects response: %w", err)
	}

	return addObjects(DefaultCollection, payload.Objects)
}

func discoverAPIRoot(client *http.Client, baseURL string, headers map[string]string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimSuffix(baseURL, "/"), nil)
	if err != nil {
		return "", err
	}
	applyHeaders(req, headers)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stix: discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stix: discovery returned %d", resp.StatusCode)
	}

	var discovery struct {
		APIRoots []string `json:"api_roots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return "", fmt.Errorf("stix: decode discovery response: %w", err)
	}
	if len(discovery.APIRoots) == 0 {
		return "", ErrNoAPIRoots
	}
	return discovery.APIRoots[0], nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Accept", taxiiAccept)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
