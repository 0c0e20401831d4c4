// Copyright 2025 Certen Protocol
//
// Sender whitelist tests.

package protocol

import (
	"errors"
	"testing"

	"github.com/certen/block-storage-engine/pkg/types"
)

func TestAuthorize_DesignatedProducers(t *testing.T) {
	cases := []struct {
		kind    PayloadKind
		sender  types.SubsystemID
		allowed bool
	}{
		{KindValidatedBlock, types.SubsystemConsensus, true},
		{KindValidatedBlock, types.SubsystemTxIndexing, false},
		{KindValidatedBlock, types.SubsystemStateManagement, false},
		{KindMerkleRoot, types.SubsystemTxIndexing, true},
		{KindMerkleRoot, types.SubsystemConsensus, false},
		{KindStateRoot, types.SubsystemStateManagement, true},
		{KindStateRoot, types.SubsystemFinality, false},
		{KindMarkFinalized, types.SubsystemFinality, true},
		{KindMarkFinalized, types.SubsystemConsensus, false},
		{KindTxLocation, types.SubsystemTxIndexing, true},
		{KindTxLocation, types.SubsystemConsensus, false},
		{KindTxHashes, types.SubsystemTxIndexing, true},
		{KindTxHashes, types.SubsystemStateManagement, false},
	}

	for _, c := range cases {
		err := Authorize(c.kind, c.sender)
		if c.allowed && err != nil {
			t.Errorf("Authorize(%s, %s) rejected: %v", c.kind, c.sender, err)
		}
		if !c.allowed {
			var unauthorized *UnauthorizedSenderError
			if !errors.As(err, &unauthorized) {
				t.Errorf("Authorize(%s, %s) did not return UnauthorizedSenderError: %v", c.kind, c.sender, err)
			}
		}
	}
}

func TestAuthorize_ReadsOpenToAuthorizedSubsystems(t *testing.T) {
	for _, kind := range []PayloadKind{KindReadBlock, KindReadRange} {
		for _, sender := range []types.SubsystemID{
			types.SubsystemConsensus,
			types.SubsystemTxIndexing,
			types.SubsystemStateManagement,
			types.SubsystemFinality,
		} {
			if err := Authorize(kind, sender); err != nil {
				t.Errorf("Authorize(%s, %s) rejected: %v", kind, sender, err)
			}
		}
		if err := Authorize(kind, types.SubsystemID("rogue")); err == nil {
			t.Errorf("Authorize(%s, rogue) accepted", kind)
		}
	}
}

func TestAuthorize_UnknownKindRejected(t *testing.T) {
	if err := Authorize(PayloadKind("mystery"), types.SubsystemConsensus); err == nil {
		t.Error("unknown payload kind accepted")
	}
}
