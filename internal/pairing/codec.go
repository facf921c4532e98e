package pairing

import (
	"encoding/json"

	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"github.com/hansonxyz/xyzconnect-sub001/internal/xerrors"
)

func parsePairBody(p wire.Packet) (wire.PairBody, error) {
	if p.Type != wire.TypePair {
		return wire.PairBody{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "not a pair packet")
	}
	var body wire.PairBody
	if err := json.Unmarshal(p.Body, &body); err != nil {
		return wire.PairBody{}, xerrors.NewProtocolError(xerrors.ProtocolInvalidPacket, "malformed pair body: "+err.Error())
	}
	return body, nil
}

func mustMarshalPairBody(body wire.PairBody) json.RawMessage {
	b, _ := json.Marshal(body)
	return b
}
