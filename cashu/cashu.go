// Package cashu contains the core structs of the Cashu protocol
// needed to decode tokens and talk to mints.
package cashu

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

type Unit int

const (
	Sat Unit = iota

	BOLT11_METHOD = "bolt11"
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	default:
		return "unknown"
	}
}

const (
	TokenPrefix = "cashu"

	TokenV3Version = 'A'
	TokenV4Version = 'B'
)

// uri prefixes a token can come wrapped in. Order matters.
var uriPrefixes = []string{"web+cashu://", "cashu://", "cashu:"}

var (
	ErrInvalidToken            = errors.New("invalid cashu token")
	ErrUnsupportedTokenVersion = errors.New("unsupported token version")
	ErrInvalidUnit             = errors.New("invalid unit")
)

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
	// doing pointer here so that omitempty works.
	// an empty struct would still get marshalled
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Amount returns the total amount from
// the array of Proof
func (proofs Proofs) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, proof := range proofs {
		totalAmount += proof.Amount
	}
	return totalAmount
}

// TokenGroup holds the proofs in a token that were issued by the same mint.
type TokenGroup struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

// Token is the canonical in-memory form of a serialized cashu token.
// See https://github.com/cashubtc/nuts/blob/main/00.md#token-format
type Token struct {
	Token []TokenGroup `json:"token"`
	Unit  string       `json:"unit"`
	Memo  string       `json:"memo,omitempty"`
}

func NewToken(proofs Proofs, mint string, unit Unit) (Token, error) {
	if unit != Sat {
		return Token{}, ErrInvalidUnit
	}

	group := TokenGroup{Mint: mint, Proofs: proofs}
	return Token{Token: []TokenGroup{group}, Unit: unit.String()}, nil
}

// Amount returns the sum of the proofs still held in the token.
func (t Token) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, group := range t.Token {
		totalAmount += group.Proofs.Amount()
	}
	return totalAmount
}

// Mints returns the mint of each group in token order.
func (t Token) Mints() []string {
	mints := make([]string, len(t.Token))
	for i, group := range t.Token {
		mints[i] = group.Mint
	}
	return mints
}

// Unspent returns a token with only the groups that still hold proofs.
func (t Token) Unspent() Token {
	unspent := Token{Token: []TokenGroup{}, Unit: t.Unit, Memo: t.Memo}
	for _, group := range t.Token {
		if len(group.Proofs) > 0 {
			unspent.Token = append(unspent.Token, group)
		}
	}
	return unspent
}

// Serialize encodes the token in the V3 (cashuA) format.
func (t Token) Serialize() (string, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	token := TokenPrefix + string(TokenV3Version) + base64.URLEncoding.EncodeToString(jsonBytes)
	return token, nil
}

// DecodeToken parses a serialized token. Accepted input is a cashuA (JSON)
// or cashuB (CBOR) token, optionally wrapped in a cashu uri.
// Legacy V1 tokens (a bare array of proofs) fail with ErrUnsupportedTokenVersion
// since they carry no mint to melt at.
func DecodeToken(tokenstr string) (*Token, error) {
	tokenstr = strings.TrimSpace(tokenstr)
	for _, prefix := range uriPrefixes {
		tokenstr = strings.TrimPrefix(tokenstr, prefix)
	}

	if len(tokenstr) <= len(TokenPrefix)+1 || !strings.HasPrefix(tokenstr, TokenPrefix) {
		return nil, ErrInvalidToken
	}

	version := tokenstr[len(TokenPrefix)]
	if version != TokenV3Version && version != TokenV4Version {
		return nil, fmt.Errorf("%w: '%c'", ErrUnsupportedTokenVersion, version)
	}

	payload, err := decodeBase64(tokenstr[len(TokenPrefix)+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: error decoding token: %v", ErrInvalidToken, err)
	}

	var token *Token
	if version == TokenV3Version {
		token, err = decodeTokenV3(payload)
	} else {
		token, err = decodeTokenV4(payload)
	}
	if err != nil {
		return nil, err
	}

	if err := token.validate(); err != nil {
		return nil, err
	}
	return token, nil
}

func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var err error
	for _, encoding := range encodings {
		var decoded []byte
		decoded, err = encoding.DecodeString(s)
		if err == nil {
			return decoded, nil
		}
	}
	return nil, err
}

// tokenV2 is the legacy object format that listed the proofs
// and the mints separately.
type tokenV2 struct {
	Proofs Proofs `json:"proofs"`
	Mints  []struct {
		URL string `json:"url"`
	} `json:"mints"`
}

// decodeTokenV3 decodes the JSON payload of a cashuA token. The payload
// is tried as a legacy V1 array, then as the canonical
// object, then as the legacy V2 object.
func decodeTokenV3(payload []byte) (*Token, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling token: %v", ErrInvalidToken, err)
	}

	var v1 []json.RawMessage
	if err := json.Unmarshal(raw, &v1); err == nil && v1 != nil {
		return nil, fmt.Errorf("%w: V1 tokens are not supported", ErrUnsupportedTokenVersion)
	}

	var canonical struct {
		Token *[]TokenGroup `json:"token"`
		Unit  string        `json:"unit"`
		Memo  string        `json:"memo"`
	}
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling token: %v", ErrInvalidToken, err)
	}
	if canonical.Token != nil {
		return &Token{Token: *canonical.Token, Unit: canonical.Unit, Memo: canonical.Memo}, nil
	}

	var v2 tokenV2
	if err := json.Unmarshal(raw, &v2); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling token: %v", ErrInvalidToken, err)
	}
	if v2.Proofs != nil && len(v2.Mints) > 0 && len(v2.Mints[0].URL) > 0 {
		group := TokenGroup{Mint: v2.Mints[0].URL, Proofs: v2.Proofs}
		return &Token{Token: []TokenGroup{group}, Unit: Sat.String()}, nil
	}

	return nil, fmt.Errorf("%w: no valid ecash proofs found", ErrInvalidToken)
}

type TokenV4 struct {
	TokenProofs []TokenV4Proof `json:"t"`
	Memo        string         `json:"d,omitempty"`
	MintURL     string         `json:"m"`
	Unit        string         `json:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `json:"i"`
	Proofs []ProofV4 `json:"p"`
}

type ProofV4 struct {
	Amount  uint64  `json:"a"`
	Secret  string  `json:"s"`
	C       []byte  `json:"c"`
	Witness string  `json:"w,omitempty"`
	DLEQ    *DLEQV4 `json:"d,omitempty"`
}

type DLEQV4 struct {
	E []byte `json:"e"`
	S []byte `json:"s"`
	R []byte `json:"r"`
}

func decodeTokenV4(payload []byte) (*Token, error) {
	var tokenV4 TokenV4
	if err := cbor.Unmarshal(payload, &tokenV4); err != nil {
		return nil, fmt.Errorf("%w: cbor.Unmarshal: %v", ErrInvalidToken, err)
	}

	group := TokenGroup{Mint: tokenV4.MintURL, Proofs: tokenV4.Proofs()}
	return &Token{Token: []TokenGroup{group}, Unit: tokenV4.Unit, Memo: tokenV4.Memo}, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenV4Proof := range t.TokenProofs {
		keysetId := hex.EncodeToString(tokenV4Proof.Id)
		for _, proofV4 := range tokenV4Proof.Proofs {
			proof := Proof{
				Amount:  proofV4.Amount,
				Id:      keysetId,
				Secret:  proofV4.Secret,
				C:       hex.EncodeToString(proofV4.C),
				Witness: proofV4.Witness,
			}
			if proofV4.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(proofV4.DLEQ.E),
					S: hex.EncodeToString(proofV4.DLEQ.S),
					R: hex.EncodeToString(proofV4.DLEQ.R),
				}
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

// validate checks that every group can be melted: it needs
// an http(s) mint url and at least one proof.
func (t *Token) validate() error {
	if len(t.Token) == 0 {
		return fmt.Errorf("%w: token has no proofs", ErrInvalidToken)
	}

	var total uint64
	for i := range t.Token {
		mint := strings.TrimRight(t.Token[i].Mint, "/")
		mintURL, err := url.Parse(mint)
		if err != nil || (mintURL.Scheme != "http" && mintURL.Scheme != "https") || mintURL.Host == "" {
			return fmt.Errorf("%w: invalid mint url '%v'", ErrInvalidToken, t.Token[i].Mint)
		}
		if len(t.Token[i].Proofs) == 0 {
			return fmt.Errorf("%w: no proofs for mint '%v'", ErrInvalidToken, mint)
		}
		for _, proof := range t.Token[i].Proofs {
			if total+proof.Amount < total {
				return fmt.Errorf("%w: proof amounts overflow", ErrInvalidToken)
			}
			total += proof.Amount
		}
		t.Token[i].Mint = mint
	}

	if len(t.Unit) == 0 {
		t.Unit = Sat.String()
	}
	return nil
}

type CashuErrCode int

// Error represents an error returned by a mint
// or by the melt service.
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000

	UnitErrCode          CashuErrCode = 11005
	PaymentMethodErrCode CashuErrCode = 11007

	InvalidProofErrCode            CashuErrCode = 10003
	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002

	MeltQuotePendingErrCode     CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode CashuErrCode = 20006
	MeltQuoteErrCode            CashuErrCode = 20009

	// codes used by the melt service
	InvalidTokenErrCode     CashuErrCode = 30001
	MeltSummaryErrCode      CashuErrCode = 30002
	MeltExecutionErrCode    CashuErrCode = 30003
	MeltSummaryStateErrCode CashuErrCode = 30004
)

var (
	StandardErr       = Error{Detail: "unable to process request", Code: StandardErrCode}
	EmptyBodyErr      = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	SummaryNotExist   = Error{Detail: "melt summary does not exist", Code: MeltSummaryErrCode}
	SummaryNotPending = Error{Detail: "melt summary is no longer pending", Code: MeltSummaryStateErrCode}
)

// GenerateRandomId returns a random hex encoded 32 byte id.
func GenerateRandomId() (string, error) {
	randomBytes := make([]byte, 32)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(randomBytes)
	return hex.EncodeToString(hash[:]), nil
}
