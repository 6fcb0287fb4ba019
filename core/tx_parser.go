package core

// tx_parser.go classifies a raw Bitcoin transaction into Generic,
// Interaction, or Deployment, decoding the feature set an OP_NET witness
// carries: an access list, an epoch submission, and/or an ML-DSA link
// request. Encoding errors never fail the containing block — a malformed
// or unrecognised feature demotes the transaction to Generic (or flags it
// Compromised), per spec.md §4.2.

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// feature opcodes accumulated in an OP_NET witness, in the order the
// network defines them. featureSentinel ends the accumulation.
const (
	featureAccessList byte = 0x01
	featureEpochSub   byte = 0x02
	featureMLDSALink  byte = 0x03
	featureSentinel   byte = 0x00
)

// opnetMagic is the fixed 4-byte marker that opens an OP_NET witness
// header; any input missing it classifies the transaction Generic.
var opnetMagic = [4]byte{0x4f, 0x50, 0x4e, 0x54} // "OPNT"

// ParserConfig bounds the feature set the parser accepts.
type ParserConfig struct {
	Params              *chaincfg.Params
	MaxAccessListSlots  int
	MaxGraffitiBytes    int
	StrictAccessListCap bool
}

// TxParser classifies raw Bitcoin transactions using the configured
// network parameters and consensus caps.
type TxParser struct {
	cfg ParserConfig
}

// NewTxParser constructs a parser bound to cfg. A nil Params defaults to
// mainnet.
func NewTxParser(cfg ParserConfig) *TxParser {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	return &TxParser{cfg: cfg}
}

// Parse decodes a wire-format transaction and classifies it. The returned
// transaction always has a valid TxID/Inputs/Outputs even when a feature
// decode fails; Compromised is set instead of discarding the tx.
func (p *TxParser) Parse(raw []byte) (*Transaction, error) {
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, WrapError(ErrInvalidInput, "InvalidEncoding", "deserialize wire transaction", err)
	}

	tx := &Transaction{Kind: TxGeneric, Generic: &GenericDetails{}}
	txid := msgTx.TxHash()
	copy(tx.TxID[:], txid[:])

	for _, in := range msgTx.TxIn {
		ti := TxInput{
			OutputIndex: uint16(in.PreviousOutPoint.Index),
			ScriptSig:   in.SignatureScript,
			Witness:     in.Witness,
		}
		copy(ti.TxID[:], in.PreviousOutPoint.Hash[:])
		if !isCoinbaseOutpoint(in.PreviousOutPoint) {
			orig := ti.TxID
			ti.OriginalTransactionID = &orig
		}
		tx.Inputs = append(tx.Inputs, ti)
	}

	for _, out := range msgTx.TxOut {
		tx.Outputs = append(tx.Outputs, TxOutput{
			Value:        uint64(out.Value),
			ScriptPubKey: p.scriptPubKey(out.PkScript),
		})
	}

	header, witnessIdx, ok := p.findOpnetHeader(msgTx.TxIn)
	if !ok {
		return tx, nil
	}

	params := SharedInteractionParameters{}
	if err := p.decodeFeatures(msgTx.TxIn[witnessIdx].Witness, header, &params); err != nil {
		tx.Compromised = true
		return tx, nil
	}

	switch header.kind {
	case opnetKindInteraction:
		tx.Kind = TxInteraction
		tx.Generic = nil
		tx.Interaction = &InteractionDetails{SharedInteractionParameters: params, Contract: header.contract}
	case opnetKindDeployment:
		tx.Kind = TxDeployment
		tx.Generic = nil
		tx.Deployment = &DeploymentDetails{
			SharedInteractionParameters: params,
			Bytecode:                    header.bytecode,
			DeployerPubKey:              header.deployerPubKey,
			Salt:                        header.salt,
		}
	}
	return tx, nil
}

func isCoinbaseOutpoint(op wire.OutPoint) bool {
	var zero [32]byte
	return bytes.Equal(op.Hash[:], zero[:]) && op.Index == 0xffffffff
}

func (p *TxParser) scriptPubKey(pkScript []byte) ScriptPubKey {
	spk := ScriptPubKey{Hex: hex.EncodeToString(pkScript)}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, p.cfg.Params)
	if err != nil || len(addrs) == 0 {
		return spk
	}
	spk.Address = addrs[0].EncodeAddress()
	for _, a := range addrs {
		spk.Addresses = append(spk.Addresses, a.EncodeAddress())
	}
	return spk
}

// opnetHeader kind discriminators.
const (
	opnetKindInteraction = 1
	opnetKindDeployment  = 2
)

type opnetHeader struct {
	kind           int
	contract       Address
	bytecode       []byte
	deployerPubKey [32]byte
	salt           [32]byte
}

// findOpnetHeader scans each input's witness for the fixed magic + flags
// header and the ALT-stack pushes that follow it. The first input carrying
// the magic wins; fields missing from a truncated header are left zero. A
// transaction with no such input is classified Generic.
func (p *TxParser) findOpnetHeader(ins []*wire.TxIn) (opnetHeader, int, bool) {
	for idx, in := range ins {
		for _, item := range in.Witness {
			if len(item) < 4 {
				continue
			}
			var magic [4]byte
			copy(magic[:], item[:4])
			if magic != opnetMagic {
				continue
			}
			if len(item) < 5 {
				continue
			}
			flags := item[4]
			hdr := opnetHeader{}
			off := 5
			if flags&0x02 != 0 {
				hdr.kind = opnetKindDeployment
				if len(item) >= off+32 {
					copy(hdr.deployerPubKey[:], item[off:off+32])
				}
				off += 32
				if len(item) >= off+32 {
					copy(hdr.salt[:], item[off:off+32])
				}
				off += 32
				if len(item) >= off+4 {
					bcLen := int(binary.BigEndian.Uint32(item[off : off+4]))
					off += 4
					if len(item) >= off+bcLen {
						hdr.bytecode = append([]byte(nil), item[off:off+bcLen]...)
					}
				}
			} else {
				hdr.kind = opnetKindInteraction
				if len(item) >= off+32 {
					copy(hdr.contract[:], item[off:off+32])
				}
			}
			return hdr, idx, true
		}
	}
	return opnetHeader{}, -1, false
}

// decodeFeatures walks the flag-opcode feature stream following the
// header, accumulating access list / epoch submission / ML-DSA link
// entries until the sentinel byte.
func (p *TxParser) decodeFeatures(witness wire.TxWitness, _ opnetHeader, out *SharedInteractionParameters) error {
	seenHeader := false
	for _, item := range witness {
		if !seenHeader {
			seenHeader = len(item) >= 4 && bytes.Equal(item[:4], opnetMagic[:])
			continue
		}
		r := bytes.NewReader(item)
		for {
			opcode, err := r.ReadByte()
			if err != nil {
				break // end of this witness item
			}
			switch opcode {
			case featureSentinel:
				return nil
			case featureAccessList:
				if err := p.decodeAccessList(r, out); err != nil {
					return err
				}
			case featureEpochSub:
				if err := p.decodeEpochSubmission(r, out); err != nil {
					return err
				}
			case featureMLDSALink:
				if err := p.decodeMLDSALink(r, out); err != nil {
					return err
				}
			default:
				return ErrUnknownFeature
			}
		}
	}
	return nil
}

func (p *TxParser) decodeAccessList(r *bytes.Reader, out *SharedInteractionParameters) error {
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return ErrInvalidEncoding
	}
	if p.cfg.MaxAccessListSlots > 0 && int(count) > p.cfg.MaxAccessListSlots {
		return ErrOutOfAccessList
	}
	list := make(AccessList)
	for i := 0; i < int(count); i++ {
		var contract Address
		if _, err := readFull(r, contract[:]); err != nil {
			return ErrInvalidEncoding
		}
		var slot [32]byte
		if _, err := readFull(r, slot[:]); err != nil {
			return ErrInvalidEncoding
		}
		for _, existing := range list[contract] {
			if existing == slot {
				return ErrDuplicateAccess
			}
		}
		list[contract] = append(list[contract], slot)
	}
	out.AccessList = list
	return nil
}

func (p *TxParser) decodeEpochSubmission(r *bytes.Reader, out *SharedInteractionParameters) error {
	sub := &EpochSubmission{}
	if _, err := readFull(r, sub.MLDSAPublicKey[:]); err != nil {
		return ErrInvalidEncoding
	}
	if _, err := readFull(r, sub.Salt[:]); err != nil {
		return ErrInvalidEncoding
	}
	graffitiLen, err := r.ReadByte()
	if err != nil {
		return ErrInvalidEncoding
	}
	if p.cfg.MaxGraffitiBytes > 0 && int(graffitiLen) > p.cfg.MaxGraffitiBytes {
		return ErrInvalidEncoding
	}
	if graffitiLen > 0 {
		buf := make([]byte, graffitiLen)
		if _, err := readFull(r, buf); err != nil {
			return ErrInvalidEncoding
		}
		sub.Graffiti = buf
	}
	out.Submission = sub
	return nil
}

func (p *TxParser) decodeMLDSALink(r *bytes.Reader, out *SharedInteractionParameters) error {
	req := &MLDSALinkRequest{}
	lvl, err := r.ReadByte()
	if err != nil {
		return ErrInvalidEncoding
	}
	req.Level = MLDSALevel(lvl)
	if _, err := readFull(r, req.HashedPublicKey[:]); err != nil {
		return ErrInvalidEncoding
	}
	vr, err := r.ReadByte()
	if err != nil {
		return ErrInvalidEncoding
	}
	req.VerifyRequest = vr != 0
	if req.VerifyRequest {
		var pubLen uint16
		if err := binary.Read(r, binary.BigEndian, &pubLen); err != nil {
			return ErrInvalidEncoding
		}
		req.PublicKey = make([]byte, pubLen)
		if _, err := readFull(r, req.PublicKey); err != nil {
			return ErrInvalidEncoding
		}
		var sigLen uint16
		if err := binary.Read(r, binary.BigEndian, &sigLen); err != nil {
			return ErrInvalidEncoding
		}
		req.MLDSASignature = make([]byte, sigLen)
		if _, err := readFull(r, req.MLDSASignature); err != nil {
			return ErrInvalidEncoding
		}
	}
	if _, err := readFull(r, req.LegacySchnorrSig[:]); err != nil {
		return ErrInvalidEncoding
	}
	out.MLDSALinkReq = req
	return nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
