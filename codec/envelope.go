package codec

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResultAuthURL is the result a remote signer answers with when the user must visit a URL
// before the request can proceed. The URL itself travels in the error field.
const ResultAuthURL = "auth_url"

// Envelope is the decrypted payload of a kind 24133 event: a request when Method is set, a
// response otherwise.
type Envelope struct {
	ID     string
	Method string
	Params []string
	Result string
	Error  string
}

func (e Envelope) IsRequest() bool  { return e.Method != "" }
func (e Envelope) IsResponse() bool { return e.Method == "" }

// IsAuthChallenge reports whether this response asks the user to open a URL.
func (e Envelope) IsAuthChallenge() bool {
	return e.IsResponse() && e.Result == ResultAuthURL && e.Error != ""
}

type wireRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type wireResponse struct {
	ID     string  `json:"id"`
	Result *string `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// MarshalEnvelope renders the canonical JSON form. Requests always carry a params array; a
// response carries result unless it is a pure error.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("envelope without id")
	}
	if e.IsRequest() {
		params := e.Params
		if params == nil {
			params = []string{}
		}
		return json.Marshal(wireRequest{ID: e.ID, Method: e.Method, Params: params})
	}

	resp := wireResponse{ID: e.ID, Error: e.Error}
	if e.Result != "" || e.Error == "" {
		result := e.Result
		resp.Result = &result
	}
	return json.Marshal(resp)
}

// UnmarshalEnvelope parses a payload leniently: unknown fields are ignored and values that are
// not strings where strings are expected are kept as their raw JSON text.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	if !gjson.ValidBytes(b) {
		return Envelope{}, fmt.Errorf("payload is not valid json")
	}
	doc := gjson.ParseBytes(b)
	if !doc.IsObject() {
		return Envelope{}, fmt.Errorf("payload is not a json object")
	}

	var e Envelope
	id := doc.Get("id")
	if !id.Exists() || id.Type == gjson.Null {
		return Envelope{}, fmt.Errorf("payload has no id")
	}
	e.ID = text(id)

	if method := doc.Get("method"); method.Exists() {
		e.Method = text(method)
		params := doc.Get("params")
		if params.Exists() && params.Type != gjson.Null {
			if !params.IsArray() {
				return Envelope{}, fmt.Errorf("params is not an array")
			}
			e.Params = []string{}
			params.ForEach(func(_, v gjson.Result) bool {
				e.Params = append(e.Params, text(v))
				return true
			})
		}
		if e.Method == "" {
			return Envelope{}, fmt.Errorf("empty method")
		}
		return e, nil
	}

	e.Result = text(doc.Get("result"))
	e.Error = text(doc.Get("error"))
	return e, nil
}

func text(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Null:
		return ""
	}
	return v.Raw
}
