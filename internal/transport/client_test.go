package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caravel-labs/caravel/internal/crdt"
	"github.com/google/uuid"
)

type fakePeer struct {
	replicaID  uuid.UUID
	secret     string
	token      string
	batches    []crdt.Batch
	seenAfter  []string
	notified   int
	pairedWith []pairRequest
}

func (p *fakePeer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		var request pairRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.PairingSecret != p.secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.pairedWith = append(p.pairedWith, request)
		json.NewEncoder(w).Encode(pairResponse{
			AccessToken: p.token,
			ExpiresIn:   3600,
			ReplicaID:   p.replicaID.String(),
		})
	})
	mux.HandleFunc("GET /sync/operations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+p.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.seenAfter = append(p.seenAfter, r.URL.Query().Get("after"))
		batch := crdt.Batch{Origin: p.replicaID}
		if len(p.batches) > 0 {
			batch = p.batches[0]
			p.batches = p.batches[1:]
		}
		json.NewEncoder(w).Encode(batch)
	})
	mux.HandleFunc("POST /sync/notify", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+p.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.notified++
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func mustClient(t *testing.T, baseURL, secret string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:       baseURL,
		PairingSecret: secret,
		InstanceID:    uuid.New(),
		DeviceName:    "test-device",
		Platform:      "l",
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestFetchPairsOnFirstUse(t *testing.T) {
	peer := &fakePeer{replicaID: uuid.New(), secret: "s3cret", token: "tok-1"}
	server := httptest.NewServer(peer.handler())
	defer server.Close()

	operationID, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("failed to mint operation id: %v", err)
	}
	peer.batches = []crdt.Batch{{
		Origin: peer.replicaID,
		Operations: []crdt.Operation{{
			ID:        operationID,
			Origin:    peer.replicaID,
			Timestamp: crdt.NewTimestamp(1_700_000_000_000, 0),
			Shared:    &crdt.SharedChange{Model: "tag", RecordID: "t1", Kind: crdt.ChangeKindCreate},
		}},
	}}

	client := mustClient(t, server.URL, "s3cret")
	batch, err := client.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(batch.Operations) != 1 || batch.Origin != peer.replicaID {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if len(peer.pairedWith) != 1 {
		t.Fatalf("expected exactly one pairing, got %d", len(peer.pairedWith))
	}
	if replicaID, paired := client.PeerReplicaID(); !paired || replicaID != peer.replicaID {
		t.Fatalf("expected learned peer replica id, got %v (paired=%v)", replicaID, paired)
	}
}

func TestFetchCarriesPeerWatermark(t *testing.T) {
	peer := &fakePeer{replicaID: uuid.New(), secret: "s3cret", token: "tok-1"}
	server := httptest.NewServer(peer.handler())
	defer server.Close()

	client := mustClient(t, server.URL, "s3cret")
	watermark := crdt.NewTimestamp(1_700_000_000_000, 3)
	if _, err := client.Fetch(context.Background(), map[uuid.UUID]crdt.Timestamp{peer.replicaID: watermark}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	// First fetch pairs lazily, so the peer saw exactly one list call.
	if len(peer.seenAfter) != 1 {
		t.Fatalf("expected one operations call, got %d", len(peer.seenAfter))
	}
	expected := watermark.Int64()
	if peer.seenAfter[0] == "" || peer.seenAfter[0] == "0" {
		t.Fatalf("expected after=%d, got %q", expected, peer.seenAfter[0])
	}
}

func TestFetchRejectsWrongSecret(t *testing.T) {
	peer := &fakePeer{replicaID: uuid.New(), secret: "s3cret", token: "tok-1"}
	server := httptest.NewServer(peer.handler())
	defer server.Close()

	client := mustClient(t, server.URL, "wrong")
	if _, err := client.Fetch(context.Background(), nil); err == nil {
		t.Fatalf("expected fetch to fail with a bad pairing secret")
	}
}

func TestNotifyRequiresPairing(t *testing.T) {
	peer := &fakePeer{replicaID: uuid.New(), secret: "s3cret", token: "tok-1"}
	server := httptest.NewServer(peer.handler())
	defer server.Close()

	client := mustClient(t, server.URL, "s3cret")
	if err := client.Notify(context.Background()); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected not paired error, got %v", err)
	}

	if err := client.Pair(context.Background()); err != nil {
		t.Fatalf("pair failed: %v", err)
	}
	if err := client.Notify(context.Background()); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if peer.notified != 1 {
		t.Fatalf("expected one notify, got %d", peer.notified)
	}
}
