package index

import "fmt"

// coarseQuantizerMigrations maps an on-disk coarse_quantizer.bin version tag
// directly to the function that rewrites that version's bytes into the
// current layout. The tag is read from the file's own header byte; nothing
// here infers a version from the shape of the remaining bytes.
var coarseQuantizerMigrations = map[byte]func([]byte) ([]byte, error){
	0: migrateCoarseQuantizerV0,
	1: migrateCoarseQuantizerIdentity,
}

func migrateCoarseQuantizerIdentity(data []byte) ([]byte, error) {
	return data, nil
}

// migrateCoarseQuantizerV0 upgrades the legacy layout (d:u64, nlist:u64,
// centroids — no version byte, no is_trained byte) to the current layout
// (version:u8, d:u64, nlist:u64, is_trained:u8, centroids). is_trained is
// inferred from nlist > 0, the same rule the legacy loader always applied.
func migrateCoarseQuantizerV0(data []byte) ([]byte, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("index: legacy coarse quantizer blob too short (%d bytes)", len(data))
	}
	var isTrained byte
	for _, b := range data[8:16] {
		if b != 0 {
			isTrained = 1
			break
		}
	}
	out := make([]byte, 0, len(data)+2)
	out = append(out, coarseQuantizerCurrentVersion)
	out = append(out, data[:16]...)
	out = append(out, isTrained)
	out = append(out, data[16:]...)
	return out, nil
}

// coarseQuantizerCurrentVersion is the version tag this package's migration
// table normalizes every blob to before handing it to the quantization
// package's own deserializer.
const coarseQuantizerCurrentVersion = 1

// coarseQuantizerVersionTag reads the version tag a coarse_quantizer.bin
// blob was written with. Only version 1 carries an explicit tag byte;
// anything else is the legacy version-0 layout.
func coarseQuantizerVersionTag(data []byte) byte {
	if len(data) > 0 && data[0] == coarseQuantizerCurrentVersion {
		return coarseQuantizerCurrentVersion
	}
	return 0
}

// migrateCoarseQuantizer rewrites data into the current coarse_quantizer.bin
// layout via the migration table, erroring if the detected version has no
// registered migration rather than guessing at its shape.
func migrateCoarseQuantizer(data []byte) ([]byte, error) {
	tag := coarseQuantizerVersionTag(data)
	migrate, ok := coarseQuantizerMigrations[tag]
	if !ok {
		return nil, fmt.Errorf("index: no migration registered for coarse quantizer version %d", tag)
	}
	return migrate(data)
}
