package kvstore

import (
	"fmt"

	"github.com/glycerine/interop"
)

var ErrNotFound = fmt.Errorf("kvstore: key not found")

type PutRequest struct {
	Tok   interop.CompletionToken `json:"tok"`
	Key   string                  `json:"key"`
	Value string                  `json:"value"`
}

type GetRequest struct {
	Tok interop.CompletionToken `json:"tok"`
	Key string                  `json:"key"`
}

type DeleteRequest struct {
	Tok interop.CompletionToken `json:"tok"`
	Key string                  `json:"key"`
}

// Reply answers any of the requests. Err is set
// when the driver could not serve it.
type Reply struct {
	Tok   interop.CompletionToken `json:"tok"`
	Value string                  `json:"value,omitempty"`
	Found bool                    `json:"found"`
	Err   string                  `json:"err,omitempty"`
}

func (r *PutRequest) Token() interop.CompletionToken { return r.Tok }
func (r *GetRequest) Token() interop.CompletionToken { return r.Tok }
func (r *DeleteRequest) Token() interop.CompletionToken { return r.Tok }
func (r *Reply) Token() interop.CompletionToken { return r.Tok }

func (r *Reply) ReplyErr() error {
	if r.Err == "" {
		return nil
	}
	return fmt.Errorf("kvstore: driver: %v", r.Err)
}

var (
	ConnectorRole = interop.Role{ID: "kv.connector"}
	DriverRole    = interop.Role{ID: "kv.driver"}

	OpenMsg   = &interop.MessageSpec{ID: "kv.open", Direction: interop.Initiation, Purpose: interop.Control}
	PutMsg    = &interop.MessageSpec{ID: "kv.put", Direction: interop.Exchange, Purpose: interop.Request, Codec: interop.JSONCodec[PutRequest]{}}
	GetMsg    = &interop.MessageSpec{ID: "kv.get", Direction: interop.Exchange, Purpose: interop.Request, Codec: interop.JSONCodec[GetRequest]{}}
	DeleteMsg = &interop.MessageSpec{ID: "kv.delete", Direction: interop.Exchange, Purpose: interop.Request, Codec: interop.JSONCodec[DeleteRequest]{}}
	ReplyMsg  = &interop.MessageSpec{ID: "kv.reply", Direction: interop.Exchange, Purpose: interop.Reply, Codec: interop.JSONCodec[Reply]{}}
	CloseMsg  = &interop.MessageSpec{ID: "kv.close", Direction: interop.Termination, Purpose: interop.Control}
)

// connectorSpec is the session as the connector
// sees it; the driver accepts its Mirror.
var connectorSpec = mustSpec()

func mustSpec() *interop.SessionSpec {
	spec, err := interop.NewSessionSpec("kv", ConnectorRole, DriverRole,
		OpenMsg, PutMsg, GetMsg, DeleteMsg, ReplyMsg, CloseMsg)
	panicOn(err)
	return spec
}

// Spec returns the kv session spec from the connector's side.
func Spec() *interop.SessionSpec {
	return connectorSpec
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
