package auction

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"github.com/sealbid/clearing-engine/internal/model"
)

// Receipt returns the MiMC commitment over a bid's public identity and its
// ciphertext handles. Bidders keep it to later prove which sealed bid the
// engine accepted.
func Receipt(b *model.Bid) (string, error) {
	var auctionID [8]byte
	binary.BigEndian.PutUint64(auctionID[:], b.AuctionID)
	rate, qty := b.Rate.Handle(), b.Quantity.Handle()

	h := mimc.NewMiMC()
	for _, field := range [][]byte{auctionID[:], []byte(b.Bidder), []byte(b.ID), rate[:], qty[:]} {
		// Each field is compressed into one canonical field element.
		digest := sha256.Sum256(field)
		var e fr.Element
		e.SetBytes(digest[:])
		block := e.Bytes()
		if _, err := h.Write(block[:]); err != nil {
			return "", fmt.Errorf("receipt: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
