package keyderive

import (
	"strings"
	"testing"

	"moneta/security-core/internal/securestore"
)

func fixedIdentity() DeviceIdentity {
	var id DeviceIdentity
	for i := range id {
		id[i] = byte(i + 1)
	}
	return id
}

func fixedSalt(fill byte) Salt {
	var salt Salt
	for i := range salt {
		salt[i] = fill
	}
	return salt
}

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	id := fixedIdentity()
	salt := fixedSalt(0xA5)

	first := DeriveMasterKey(id, salt)
	second := DeriveMasterKey(id, salt)

	k1, err := first.Key()
	if err != nil {
		t.Fatalf("first key: %v", err)
	}
	k2, err := second.Key()
	if err != nil {
		t.Fatalf("second key: %v", err)
	}
	if k1 != k2 {
		t.Fatal("identical inputs must derive identical keys")
	}
}

func TestDeriveMasterKeySaltSensitivity(t *testing.T) {
	id := fixedIdentity()
	a := DeriveMasterKey(id, fixedSalt(0x01))
	b := DeriveMasterKey(id, fixedSalt(0x02))

	ka, _ := a.Key()
	kb, _ := b.Key()
	if ka == kb {
		t.Fatal("different salts must derive different keys")
	}
}

func TestMasterKeyZeroize(t *testing.T) {
	mk := DeriveMasterKey(fixedIdentity(), fixedSalt(0x42))
	if !mk.Valid() {
		t.Fatal("fresh key must be valid")
	}
	mk.Zeroize()
	if mk.Valid() {
		t.Fatal("zeroized key must be invalid")
	}
	if _, err := mk.Key(); err == nil {
		t.Fatal("zeroized key must refuse access")
	}
}

func TestEnsureIdentityStable(t *testing.T) {
	store := securestore.NewMemoryStore()
	p := NewProvisioner(store, nil)

	first, err := p.EnsureIdentity()
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := p.EnsureIdentity()
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first != second {
		t.Fatal("identity must be stable across loads")
	}
	if !strings.HasPrefix(first.Display(), "sec1") {
		t.Fatalf("display form must carry the sec1 prefix, got %q", first.Display())
	}
}

func TestImportIdentityRefusedWhenProvisioned(t *testing.T) {
	store := securestore.NewMemoryStore()
	p := NewProvisioner(store, nil)
	if _, err := p.EnsureIdentity(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := p.ImportIdentity(fixedIdentity()); err == nil {
		t.Fatal("import must be refused once an identity exists")
	}
}

func TestImportIdentityOnFreshStore(t *testing.T) {
	store := securestore.NewMemoryStore()
	p := NewProvisioner(store, nil)
	want := fixedIdentity()
	if err := p.ImportIdentity(want); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := p.EnsureIdentity()
	if err != nil {
		t.Fatalf("ensure after import: %v", err)
	}
	if got != want {
		t.Fatal("ensure must return the imported identity")
	}
}

func TestSaltLifecycle(t *testing.T) {
	store := securestore.NewMemoryStore()
	p := NewProvisioner(store, nil)
	id := fixedIdentity()

	first, err := p.EnsureSalt(id)
	if err != nil {
		t.Fatalf("first ensure salt: %v", err)
	}
	again, err := p.EnsureSalt(id)
	if err != nil {
		t.Fatalf("second ensure salt: %v", err)
	}
	if first != again {
		t.Fatal("salt must be stable until rotated")
	}

	rotated, err := p.RotateSalt(id)
	if err != nil {
		t.Fatalf("rotate salt: %v", err)
	}
	if rotated == first {
		t.Fatal("rotation must produce a new salt")
	}

	if err := p.EraseSalt(); err != nil {
		t.Fatalf("erase salt: %v", err)
	}
	if _, found, _ := store.Read("keyderive.master_salt"); found {
		t.Fatal("erased salt must not remain in the store")
	}
}

func TestProvisionerCorruptValues(t *testing.T) {
	store := securestore.NewMemoryStore()
	if err := store.Write("keyderive.device_identity", "zz-not-hex"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	p := NewProvisioner(store, nil)
	if _, err := p.EnsureIdentity(); err == nil {
		t.Fatal("corrupt identity must be an error, not a silent regenerate")
	}
}
