package regulator

import (
	"time"

	"github.com/maisonpos/fiscalcore/pkg/canonical"
	"github.com/maisonpos/fiscalcore/pkg/crypto"
	"github.com/maisonpos/fiscalcore/pkg/order"
	"github.com/maisonpos/fiscalcore/pkg/profile"
)

// WireTimestamp is the compact regulator timestamp form.
const WireTimestamp = "20060102150405"

// BuildTransactionPayload assembles the reqTrans value for an order snapshot,
// without its signature envelope. The SEV block and tax numbers come from
// the profile; free-text fields are NFC-normalized so equal-looking inputs
// canonicalize identically.
func BuildTransactionPayload(snap *order.Snapshot, p *profile.Profile) map[string]any {
	lines := make([]any, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		lines = append(lines, map[string]any{
			"descr": canonical.NormalizeText(l.Description),
			"qte":   l.Quantity,
			"unitr": l.UnitPrice,
			"mont":  l.LineTotal,
		})
	}

	trans := map[string]any{
		"noTrans":  snap.OrderID,
		"datTrans": snap.Timestamp.UTC().Format(WireTimestamp),
		"typTrans": string(snap.Category),
		"modPai":   snap.PaymentMethod,
		"modServ":  snap.ServiceType,
		"items":    lines,
		"mont": map[string]any{
			"avantTax": snap.Subtotal,
			"TPS":      snap.GST,
			"TVQ":      snap.QST,
			"pourb":    snap.Tip,
			"apresTax": snap.Total,
		},
		"sectActi": sevBlock(p),
		"noTPS":    p.GSTNumber,
		"noTVQ":    p.QSTNumber,
	}
	if code := BodyAuthCode(p); code != "" {
		trans["codAutor"] = code
	}
	return map[string]any{"reqTrans": trans}
}

// BuildClosingPayload assembles the reqFer value for an end-of-day closing,
// without its signature envelope.
func BuildClosingPayload(cl *order.Closing, p *profile.Profile) map[string]any {
	fer := map[string]any{
		"noFer":   cl.ClosingID,
		"datFer":  cl.Timestamp.UTC().Format(WireTimestamp),
		"nbTrans": cl.TransactionCount,
		"mont": map[string]any{
			"brut": cl.GrossTotal,
			"TPS":  cl.GSTTotal,
			"TVQ":  cl.QSTTotal,
		},
		"sectActi": sevBlock(p),
		"noTPS":    p.GSTNumber,
		"noTVQ":    p.QSTNumber,
	}
	if code := BodyAuthCode(p); code != "" {
		fer["codAutor"] = code
	}
	return map[string]any{"reqFer": fer}
}

// InjectEnvelope places the signature envelope at the designated location of
// a payload built by the builders above and returns the canonical body bytes
// that go on the wire.
func InjectEnvelope(payload map[string]any, env *crypto.Envelope) ([]byte, error) {
	for _, key := range []string{"reqTrans", "reqFer"} {
		if inner, ok := payload[key].(map[string]any); ok {
			inner["signa"] = env
		}
	}
	return canonical.Marshal(payload)
}

// sevBlock is the software-identification block every request carries.
func sevBlock(p *profile.Profile) map[string]any {
	return map[string]any{
		"idSEV":     p.SoftwareID,
		"idVersi":   p.SoftwareVersion,
		"versi":     p.ProtocolVersion,
		"versiParn": p.PartnerVersion,
		"codCertif": p.CertificateCode,
		"idPartn":   p.PartnerID,
	}
}

// FormatWireTime renders t in the compact wire form.
func FormatWireTime(t time.Time) string {
	return t.UTC().Format(WireTimestamp)
}
