package stock

import "errors"

// UserMessage maps ledger errors to cashier-facing text.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNegativeStock):
		return "Stok tidak mencukupi"
	case errors.Is(err, ErrLevelNotFound):
		return "Item tidak ditemukan"
	case errors.Is(err, ErrBatchNotFound):
		return "Batch tidak ditemukan"
	case errors.Is(err, ErrInvalidQuantity):
		return "Jumlah tidak valid"
	case errors.Is(err, ErrInvalidCause):
		return "Jenis pergerakan stok tidak valid"
	case errors.Is(err, ErrMissingIdentity):
		return "Produk dan cabang wajib diisi"
	case errors.Is(err, ErrOverrideDenied):
		return "Override stok tidak diizinkan"
	case errors.Is(err, ErrModuleDisabled):
		return "Modul persediaan tidak aktif"
	case errors.Is(err, ErrAuditWrite):
		return "Gagal mencatat riwayat stok"
	case errors.Is(err, ErrPackageCycle):
		return "Komponen paket tidak valid"
	default:
		return "Terjadi kesalahan sistem"
	}
}
