package luadefaults

import "testing"

func TestSandbox(t *testing.T) {
	L, err := NewSandbox()
	if err != nil {
		t.Fatal(err)
	}
	defer L.Close()
	if err := L.DoString(`x = string.upper("ok") .. table.concat({"a", "b"})`); err != nil {
		t.Fatal(err)
	}
	if v := L.GetGlobal("x").String(); v != "OKab" {
		t.Fatalf("unexpected value %v", v)
	}
	for _, code := range []string{`io.write("x")`, `os.exit(1)`, `dofile("/etc/passwd")`} {
		if err := L.DoString(code); err == nil {
			t.Fatalf("%v should fail inside the sandbox", code)
		}
	}
}
