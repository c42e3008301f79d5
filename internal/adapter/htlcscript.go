package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// cltvTimestampFloor is the BIP-65 cutoff: locktimes below it are read
// as block heights, at or above it as unix timestamps. Escrow deadlines
// are timestamps, so script building refuses smaller values.
const cltvTimestampFloor = 500000000

// buildHTLCScript assembles the escrow witness script:
//
//	OP_IF
//	    OP_SHA256 <hashlock> OP_EQUALVERIFY
//	    <claimPub> OP_CHECKSIG
//	OP_ELSE
//	    <refundAfter> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refundPub> OP_CHECKSIG
//	OP_ENDIF
//
// The claim branch releases the output to whoever presents the sha256
// preimage and a claimPub signature. The refund branch opens once the
// chain's time passes refundAfter.
func buildHTLCScript(hashlock [32]byte, claimPub, refundPub *btcec.PublicKey, refundAfter int64) ([]byte, error) {
	if refundAfter < cltvTimestampFloor {
		return nil, fmt.Errorf("refund locktime %d is below the unix timestamp threshold", refundAfter)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(hashlock[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(claimPub.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(refundAfter)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPub.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)
	return builder.Script()
}

// htlcPayScript is the P2WSH output script locking funds to the escrow:
// OP_0 <sha256(script)>.
func htlcPayScript(script []byte) []byte {
	h := sha256.Sum256(script)
	pay, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(h[:]).Script()
	return pay
}

// claimWitness spends the OP_IF branch. Broadcasting this witness is
// what reveals the preimage to the counterparty chain.
func claimWitness(sig, preimage, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, preimage, {0x01}, script}
}

// refundWitness spends the OP_ELSE branch after the locktime.
func refundWitness(sig, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, {}, script}
}

// extractPreimage inspects the witness of an input spending an escrow
// output, as reported by the backend (hex items, bottom of stack
// first). It returns the preimage when the spend took the claim branch
// and the preimage hashes to the hashlock; any other spend of the
// output is the refund branch.
func extractPreimage(witness []string, hashlock [32]byte) ([]byte, bool) {
	// Claim: [sig, preimage, 01, script]. Refund: [sig, "", script].
	// The branch selector sits just below the script.
	if len(witness) < 3 {
		return nil, false
	}
	if witness[len(witness)-2] != "01" {
		return nil, false
	}
	raw, err := hex.DecodeString(witness[len(witness)-3])
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	if sha256.Sum256(raw) != hashlock {
		return nil, false
	}
	return raw, true
}

// parseHTLCScript pulls the components back out of a stored escrow
// script. Sessions persist scripts as opaque bytes; this validates them
// when a restarted daemon adopts a session.
func parseHTLCScript(script []byte) (hashlock [32]byte, claimPub, refundPub []byte, refundAfter int64, err error) {
	fail := func(what string) ([32]byte, []byte, []byte, int64, error) {
		return [32]byte{}, nil, nil, 0, fmt.Errorf("not an escrow script: expected %s", what)
	}

	tokenizer := txscript.MakeScriptTokenizer(0, script)

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_IF {
		return fail("OP_IF")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_SHA256 {
		return fail("OP_SHA256")
	}
	if !tokenizer.Next() || len(tokenizer.Data()) != 32 {
		return fail("32-byte hashlock")
	}
	copy(hashlock[:], tokenizer.Data())
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_EQUALVERIFY {
		return fail("OP_EQUALVERIFY")
	}
	if !tokenizer.Next() || len(tokenizer.Data()) != 33 {
		return fail("33-byte claim key")
	}
	claimPub = append([]byte(nil), tokenizer.Data()...)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return fail("OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ELSE {
		return fail("OP_ELSE")
	}
	if !tokenizer.Next() || len(tokenizer.Data()) == 0 {
		return fail("locktime push")
	}
	// Minimal scriptnum, little endian. Timestamps fit in 4-5 bytes.
	lockBytes := tokenizer.Data()
	if len(lockBytes) > 5 {
		return fail("locktime within range")
	}
	for i := 0; i < len(lockBytes); i++ {
		refundAfter |= int64(lockBytes[i]) << (8 * i)
	}
	if refundAfter < cltvTimestampFloor {
		return fail("timestamp locktime")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKLOCKTIMEVERIFY {
		return fail("OP_CHECKLOCKTIMEVERIFY")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DROP {
		return fail("OP_DROP")
	}
	if !tokenizer.Next() || len(tokenizer.Data()) != 33 {
		return fail("33-byte refund key")
	}
	refundPub = append([]byte(nil), tokenizer.Data()...)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return fail("OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ENDIF {
		return fail("OP_ENDIF")
	}
	if tokenizer.Next() {
		return fail("end of script")
	}
	if tokenizer.Err() != nil {
		return [32]byte{}, nil, nil, 0, tokenizer.Err()
	}
	return hashlock, claimPub, refundPub, refundAfter, nil
}
