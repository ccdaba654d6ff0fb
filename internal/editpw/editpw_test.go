package editpw

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/scrypt"
)

func TestHashAndVerify(t *testing.T) {
	record, err := Hash("glenfarclas105")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if !strings.HasPrefix(record, "scrypt$16384$8$1$") {
		t.Errorf("unexpected record prefix: %s", record)
	}
	if !Verify("glenfarclas105", record) {
		t.Error("correct password did not verify")
	}
	if Verify("glenfarclas106", record) {
		t.Error("wrong password verified")
	}
	if Verify("", record) {
		t.Error("empty password verified")
	}
}

func TestHashProducesUniqueRecords(t *testing.T) {
	first, err := Hash("1234")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	second, err := Hash("1234")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if first == second {
		t.Error("two hashes of the same password are identical, salt is not random")
	}
	if !Verify("1234", first) || !Verify("1234", second) {
		t.Error("both records should verify against the original password")
	}
}

func TestVerifyRejectsMalformedRecords(t *testing.T) {
	records := []string{
		"",
		"scrypt",
		"scrypt$16384$8$1$c2FsdA==",               // missing key field
		"scrypt$16384$8$1$c2FsdA==$a2V5$extra",    // too many fields
		"bcrypt$16384$8$1$c2FsdA==$a2V5",          // unknown algorithm tag
		"scrypt$abc$8$1$c2FsdA==$a2V5",            // non-numeric N
		"scrypt$16384$8$1$!!notbase64!!$a2V5",     // corrupt salt
		"scrypt$16384$8$1$c2FsdA==$!!notbase64!!", // corrupt key
		"scrypt$16384$8$1$c2FsdA==$",              // empty key
		strings.Repeat("$", 5),
	}

	for _, record := range records {
		if Verify("password", record) {
			t.Errorf("malformed record verified: %q", record)
		}
	}
}

func TestVerifyHonorsStoredParameters(t *testing.T) {
	// A record derived with lighter parameters must still verify using the
	// parameters it carries, not the current defaults.
	salt := []byte("0123456789abcdef")
	key, err := scrypt.Key([]byte("dram"), salt, 1024, 8, 1, 32)
	if err != nil {
		t.Fatalf("scrypt.Key failed: %v", err)
	}
	record := fmt.Sprintf("scrypt$1024$8$1$%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key))

	if !Verify("dram", record) {
		t.Error("record with non-default parameters did not verify")
	}
	if Verify("dram2", record) {
		t.Error("wrong password verified against non-default record")
	}
}
