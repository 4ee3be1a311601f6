package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/mjl-/sherpa"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

func TestMessageSend(t *testing.T) {
	var gotPath string
	var gotReq SendRequest
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		err := json.NewDecoder(r.Body).Decode(&gotReq)
		tcheck(t, err, "decoding request")
		err = json.NewEncoder(w).Encode(SendResponse{Sent: Message{ID: "srv1"}, DeliveryTime: 1700000000})
		tcheck(t, err, "writing response")
	}))
	defer hs.Close()

	c := Client{BaseURL: hs.URL}
	req := SendRequest{Packages: []*Package{{Type: TypeCleartext, MIMEType: "text/plain", Body: []byte("hi"), Addresses: map[string]*SubPackage{"a@example.org": {Type: TypeCleartext}}}}, DelaySeconds: 10}
	resp, err := c.MessageSend(context.Background(), "m1", req)
	tcheck(t, err, "sending")
	tcompare(t, gotPath, "/messages/m1/send")
	tcompare(t, gotReq.DelaySeconds, 10)
	tcompare(t, resp.Sent.ID, "srv1")
	tcompare(t, resp.Delivery().Unix(), int64(1700000000))
}

func TestErrors(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/events":
			w.WriteHeader(http.StatusInternalServerError)
			err := json.NewEncoder(w).Encode(errorResponse{Code: "Internal", Error: "database down"})
			tcheck(t, err, "writing error response")
		default:
			http.Error(w, "no such message", http.StatusNotFound)
		}
	}))
	defer hs.Close()

	c := Client{BaseURL: hs.URL}

	// 4xx maps to a user error.
	err := c.CancelSend(context.Background(), "gone")
	serr, ok := err.(*sherpa.Error)
	if !ok || serr.Code != "user:error" {
		t.Fatalf("got err %v, expected sherpa user:error", err)
	}

	// 5xx maps to a server error carrying the server message.
	err = c.Call(context.Background())
	serr, ok = err.(*sherpa.Error)
	if !ok || serr.Code != "server:error" {
		t.Fatalf("got err %v, expected sherpa server:error", err)
	}
	tcompare(t, serr.Message, "call: database down")
}
