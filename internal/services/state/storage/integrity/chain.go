package integrity

import (
	"fmt"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
)

// Seal fills the integrity fields of evt. prevChainHash is the chain hash
// of the entity's previous event, empty for the first one.
func Seal(signer *ChainSigner, evt eventlog.Event, prevChainHash string) (eventlog.Event, error) {
	if err := checkSigner(signer, evt); err != nil {
		return eventlog.Event{}, err
	}
	hash, err := EventHash(evt)
	if err != nil {
		return eventlog.Event{}, err
	}
	evt.Hash = hash
	evt.PrevHash = prevChainHash
	chainHash, err := ChainHash(evt, prevChainHash)
	if err != nil {
		return eventlog.Event{}, err
	}
	evt.ChainHash = chainHash
	signature, keyID, err := signer.Sign(chainHash)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("sign chain hash: %w", err)
	}
	evt.Signature = signature
	evt.SignatureKeyID = keyID
	return evt, nil
}

// Verify recomputes the integrity fields of evt and checks them against
// the stored values and the previous link.
func Verify(signer *ChainSigner, evt eventlog.Event, prevChainHash string) error {
	if err := checkSigner(signer, evt); err != nil {
		return err
	}
	if evt.PrevHash != prevChainHash {
		return fmt.Errorf("event %d prev hash mismatch", evt.Seq)
	}
	hash, err := EventHash(evt)
	if err != nil {
		return fmt.Errorf("event %d hash: %w", evt.Seq, err)
	}
	if hash != evt.Hash {
		return fmt.Errorf("event %d hash mismatch", evt.Seq)
	}
	chainHash, err := ChainHash(evt, prevChainHash)
	if err != nil {
		return fmt.Errorf("event %d chain hash: %w", evt.Seq, err)
	}
	if chainHash != evt.ChainHash {
		return fmt.Errorf("event %d chain hash mismatch", evt.Seq)
	}
	if err := signer.Verify(chainHash, evt.Signature, evt.SignatureKeyID); err != nil {
		return fmt.Errorf("event %d signature: %w", evt.Seq, err)
	}
	return nil
}

func checkSigner(signer *ChainSigner, evt eventlog.Event) error {
	if signer == nil {
		return fmt.Errorf("chain signer is required")
	}
	if signer.EntityID() != evt.EntityID {
		return fmt.Errorf("event %d belongs to %q, signer is bound to %q", evt.Seq, evt.EntityID, signer.EntityID())
	}
	return nil
}
