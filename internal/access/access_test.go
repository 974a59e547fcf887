package access

import "testing"

var (
	admin = Principal{ID: "u-admin", Role: RoleAdmin, Active: true}
	hr    = Principal{ID: "u-hr", Role: RoleHR, Active: true}
	e1    = Principal{ID: "u-e1", Role: RoleEmployee, EmployeeID: "E1", Active: true}
	e2    = Principal{ID: "u-e2", Role: RoleEmployee, EmployeeID: "E2", Active: true}
	e3    = Principal{ID: "u-e3", Role: RoleEmployee, EmployeeID: "E3", Active: true}

	doc = Resource{ID: "d-1", OwnerID: "u-hr", EmployeeID: "E1"}
)

var allActions = []Action{ActionUpload, ActionDownload, ActionDelete, ActionList, ActionShare, ActionManagePrincipals}

func TestDecide_AdminAllowsEverything(t *testing.T) {
	for _, action := range allActions {
		if d := Decide(admin, doc, action); !d.Allow {
			t.Errorf("Decide(admin, %s) = deny (%s), want allow", action, d.Reason)
		}
	}
}

func TestDecide_HRAllowsAllButAdminReserved(t *testing.T) {
	for _, action := range allActions {
		d := Decide(hr, doc, action)
		if action == ActionManagePrincipals {
			if d.Allow {
				t.Errorf("Decide(hr, %s) = allow, want deny", action)
			}
			if d.Reason != ReasonInsufficientRole {
				t.Errorf("Decide(hr, %s) reason = %s, want %s", action, d.Reason, ReasonInsufficientRole)
			}
			continue
		}
		if !d.Allow {
			t.Errorf("Decide(hr, %s) = deny (%s), want allow", action, d.Reason)
		}
	}
}

func TestDecide_OwnerRights(t *testing.T) {
	owned := Resource{ID: "d-2", OwnerID: e2.ID, EmployeeID: "E9"}

	for _, action := range []Action{ActionDownload, ActionShare, ActionDelete} {
		if d := Decide(e2, owned, action); !d.Allow {
			t.Errorf("Decide(owner, %s) = deny (%s), want allow", action, d.Reason)
		}
	}
	if d := Decide(e2, owned, ActionUpload); d.Allow {
		t.Error("Decide(owner, upload) = allow, want deny (employees never upload)")
	}
}

func TestDecide_SharingGrantsReadOnly(t *testing.T) {
	shared := doc
	shared.SharingList = []string{e3.ID}

	if d := Decide(e3, shared, ActionDownload); !d.Allow {
		t.Errorf("Decide(shared, download) = deny (%s), want allow", d.Reason)
	}
	if d := Decide(e3, shared, ActionDelete); d.Allow {
		t.Error("Decide(shared, delete) = allow, want deny")
	}
	if d := Decide(e3, shared, ActionShare); d.Allow {
		t.Error("Decide(shared, share) = allow, want deny")
	}
}

func TestDecide_EmployeeOwnRecords(t *testing.T) {
	if d := Decide(e1, doc, ActionDownload); !d.Allow {
		t.Errorf("Decide(e1, download own record) = deny (%s), want allow", d.Reason)
	}
	if d := Decide(e1, doc, ActionList); !d.Allow {
		t.Errorf("Decide(e1, list own records) = deny (%s), want allow", d.Reason)
	}
	for _, action := range []Action{ActionUpload, ActionDelete} {
		d := Decide(e1, doc, action)
		if d.Allow {
			t.Errorf("Decide(e1, %s) = allow, want deny", action)
		}
		if d.Reason != ReasonInsufficientRole {
			t.Errorf("Decide(e1, %s) reason = %s, want %s", action, d.Reason, ReasonInsufficientRole)
		}
	}
}

func TestDecide_CrossEmployeeDenied(t *testing.T) {
	d := Decide(e2, doc, ActionDownload)
	if d.Allow {
		t.Fatal("Decide(e2, download E1 record) = allow, want deny")
	}
	if d.Reason != ReasonNotOwnResource {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonNotOwnResource)
	}
	if d.Facts.IsOwner || d.Facts.IsSharedWith || d.Facts.SameEmployee {
		t.Errorf("deny facts should record no qualifying relationship: %+v", d.Facts)
	}
	if d.Facts.Role != RoleEmployee {
		t.Errorf("facts role = %s, want %s", d.Facts.Role, RoleEmployee)
	}
}

func TestDecide_SoftDeletedResourceDeniesEveryone(t *testing.T) {
	deleted := doc
	deleted.Deleted = true
	deleted.SharingList = []string{e3.ID}

	for _, p := range []Principal{admin, hr, e1, e3} {
		d := Decide(p, deleted, ActionDownload)
		if d.Allow {
			t.Errorf("Decide(%s, download deleted) = allow, want deny", p.ID)
		}
		if d.Reason != ReasonResourceDeleted {
			t.Errorf("Decide(%s, download deleted) reason = %s, want %s", p.ID, d.Reason, ReasonResourceDeleted)
		}
	}

	// Listing is collection-level; deleted records are filtered by the
	// store, not denied by the evaluator.
	if d := Decide(hr, deleted, ActionList); !d.Allow {
		t.Errorf("Decide(hr, list) over deleted resource = deny (%s), want allow", d.Reason)
	}
}

func TestDecide_InactivePrincipalDenied(t *testing.T) {
	suspended := admin
	suspended.Active = false

	for _, action := range allActions {
		d := Decide(suspended, doc, action)
		if d.Allow {
			t.Errorf("Decide(inactive admin, %s) = allow, want deny", action)
		}
		if d.Reason != ReasonInactive {
			t.Errorf("reason = %s, want %s", d.Reason, ReasonInactive)
		}
	}
}

func TestDecide_UnknownRoleDenied(t *testing.T) {
	intern := Principal{ID: "u-x", Role: Role("intern"), Active: true}
	for _, action := range allActions {
		d := Decide(intern, doc, action)
		if d.Allow {
			t.Errorf("Decide(unknown role, %s) = allow, want deny", action)
		}
	}
}

func TestDecide_Deterministic(t *testing.T) {
	first := Decide(e2, doc, ActionDownload)
	for i := 0; i < 100; i++ {
		if got := Decide(e2, doc, ActionDownload); got != first {
			t.Fatal("Decide() not deterministic")
		}
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleAdmin, RoleHR, RoleEmployee} {
		if !r.Valid() {
			t.Errorf("Role(%s).Valid() = false", r)
		}
	}
	if Role("superuser").Valid() {
		t.Error("Role(superuser).Valid() = true")
	}
}
