package coordinator

import (
	"fmt"

	"github.com/openttd/wsrelay/internal/wire"
)

// decodeNewgrfLookup handles a GC_NEWGRF_LOOKUP payload: 4-byte cookie ·
// u16le count · count records of {u32 index, u32 grfId, 16 bytes md5,
// zstring name}. Entries are merged into table.
func decodeNewgrfLookup(payload []byte, table *NewGRFTable) error {
	r := wire.NewReader(payload)
	if err := r.Skip(4); err != nil {
		return fmt.Errorf("newgrf lookup cookie: %w", err)
	}
	count, err := r.ReadU16LE()
	if err != nil {
		return fmt.Errorf("newgrf lookup count: %w", err)
	}
	for i := 0; i < int(count); i++ {
		index, err := r.ReadU32LE()
		if err != nil {
			return fmt.Errorf("newgrf lookup index: %w", err)
		}
		grfID, err := r.ReadU32LE()
		if err != nil {
			return fmt.Errorf("newgrf lookup grfid: %w", err)
		}
		md5Bytes, err := r.ReadBytes(16)
		if err != nil {
			return fmt.Errorf("newgrf lookup md5: %w", err)
		}
		name, err := r.ReadZString()
		if err != nil {
			return fmt.Errorf("newgrf lookup name: %w", err)
		}
		var md5 [16]byte
		copy(md5[:], md5Bytes)
		table.Put(index, NewGRFRecord{GRFID: grfID, MD5: md5, Name: name})
	}
	return nil
}

// decodeListing decodes a GC_LISTING payload: u16le serverCount followed by
// that many server records. A malformed record terminates the decode of the
// current packet; already-decoded records are kept, per spec §4.2.3/§4.2.4.
func decodeListing(payload []byte, table *NewGRFTable) ([]ServerRecord, error) {
	r := wire.NewReader(payload)
	count, err := r.ReadU16LE()
	if err != nil {
		return nil, fmt.Errorf("listing count: %w", err)
	}

	records := make([]ServerRecord, 0, count)
	for i := 0; i < int(count); i++ {
		rec, err := decodeServerRecord(r, table)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

// cursor wraps a wire.Reader and latches the first error encountered,
// letting the long versioned cascade below read fields without an
// if-err-return after every single one.
type cursor struct {
	r   *wire.Reader
	err error
}

func (c *cursor) u8() uint8 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.ReadU8()
	c.err = err
	return v
}

func (c *cursor) u16() uint16 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.ReadU16LE()
	c.err = err
	return v
}

func (c *cursor) i32() int32 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.ReadI32LE()
	c.err = err
	return v
}

func (c *cursor) u64() uint64 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.ReadU64LE()
	c.err = err
	return v
}

func (c *cursor) zstring() string {
	if c.err != nil {
		return ""
	}
	v, err := c.r.ReadZString()
	c.err = err
	return v
}

func (c *cursor) skip(n int) {
	if c.err != nil {
		return
	}
	c.err = c.r.Skip(n)
}

// decodeServerRecord decodes one LISTING entry, applying the descending
// version-gated cascade of spec §4.2.3 in order.
func decodeServerRecord(r *wire.Reader, table *NewGRFTable) (ServerRecord, error) {
	c := &cursor{r: r}

	connStr := c.zstring()
	infoVersion := c.u8()
	if c.err != nil {
		return ServerRecord{}, c.err
	}

	rec := ServerRecord{ConnectionString: connStr, InfoVersion: infoVersion}

	if infoVersion >= 7 {
		v := c.u64()
		rec.TicksPlaying = &v
	}

	var newgrfType uint8
	if infoVersion >= 6 {
		newgrfType = c.u8()
	}

	if infoVersion >= 5 {
		gv := c.i32()
		gn := c.zstring()
		rec.GamescriptVersion = &gv
		rec.GamescriptName = &gn
	}

	if infoVersion >= 4 {
		grfCount := c.u8()
		for i := 0; i < int(grfCount) && c.err == nil; i++ {
			name, ok := decodeNewgrfEntry(c, newgrfType, table)
			if ok {
				rec.Newgrfs = append(rec.Newgrfs, name)
			}
		}
	}

	if infoVersion >= 3 {
		cd := c.i32()
		cs := c.i32()
		rec.CalendarDate = &cd
		rec.CalendarStart = &cs
	}

	if infoVersion >= 2 {
		cmax := c.u8()
		con := c.u8()
		smax := c.u8()
		rec.CompaniesMax = &cmax
		rec.CompaniesOn = &con
		rec.SpectatorsMax = &smax
	}

	rec.Name = c.zstring()
	rec.Version = c.zstring()

	if infoVersion <= 5 {
		c.u8() // language, ignored per spec §9
	}

	rec.Password = c.u8() != 0
	rec.ClientsMax = c.u8()
	rec.ClientsOn = c.u8()
	rec.SpectatorsOn = c.u8()

	if infoVersion <= 2 {
		c.skip(4) // legacy dates, ignored per spec §9
	}

	if infoVersion <= 5 {
		c.zstring() // map name, ignored per spec §9
	}

	rec.MapWidth = c.u16()
	rec.MapHeight = c.u16()
	landscape := c.u8()
	dedicated := c.u8()

	if c.err != nil {
		return ServerRecord{}, c.err
	}

	rec.Landscape = ParseLandscape(landscape)
	rec.Dedicated = dedicated != 0
	return rec, nil
}

// decodeNewgrfEntry decodes one NewGRF entry per the active serialisation
// type. For type 2 (lookup index), a missing table entry is silently
// dropped (ok=false) rather than treated as an error, per spec §4.2.3/§8.
func decodeNewgrfEntry(c *cursor, newgrfType uint8, table *NewGRFTable) (string, bool) {
	switch newgrfType {
	case 0:
		grfID := c.u32()
		md5 := c.u8x16()
		if c.err != nil {
			return "", false
		}
		return fmt.Sprintf("grf:%08x", grfID) + md5Suffix(md5), true
	case 1:
		grfID := c.u32()
		md5 := c.u8x16()
		name := c.zstring()
		if c.err != nil {
			return "", false
		}
		if name != "" {
			return name, true
		}
		return fmt.Sprintf("grf:%08x", grfID) + md5Suffix(md5), true
	case 2:
		index := c.u32()
		if c.err != nil {
			return "", false
		}
		rec, ok := table.Lookup(index)
		if !ok {
			return "", false
		}
		if rec.Name != "" {
			return rec.Name, true
		}
		return fmt.Sprintf("grf:%08x", rec.GRFID), true
	default:
		return "", false
	}
}

func (c *cursor) u32() uint32 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.ReadU32LE()
	c.err = err
	return v
}

func (c *cursor) u8x16() [16]byte {
	var md5 [16]byte
	if c.err != nil {
		return md5
	}
	b, err := c.r.ReadBytes(16)
	c.err = err
	copy(md5[:], b)
	return md5
}

func md5Suffix(md5 [16]byte) string {
	return fmt.Sprintf(":%x", md5[:4])
}
