package services

import (
	"reflect"
	"testing"

	"github.com/Corphon/CharacterStudio/internal/models"
)

func TestDownloadFilename(t *testing.T) {
	tests := []struct {
		name string
		view models.View
		want string
	}{
		{"Aria", models.ViewFront, "Aria-front-view.jpg"},
		{"Sir Roland", models.ViewSide, "Sir Roland-side-view.jpg"},
		{"", models.ViewBack, "Character-back-view.jpg"},
		{"  ", models.ViewFront, "Character-front-view.jpg"},
		{"a/b:c", models.ViewBack, "a_b_c-back-view.jpg"},
		{"..", models.ViewFront, "Character-front-view.jpg"},
	}
	for _, tt := range tests {
		if got := DownloadFilename(tt.name, tt.view); got != tt.want {
			t.Errorf("DownloadFilename(%q, %s) = %q, want %q", tt.name, tt.view, got, tt.want)
		}
	}
}

func TestSelectViewDoesNotMutateResult(t *testing.T) {
	result := &models.GenerationResult{Front: "f", Side: "s", Back: "b", Description: "hero"}
	before := *result
	rv := NewResultsView()

	if rv.Selected() != models.ViewFront {
		t.Fatal("front should be selected by default")
	}
	front := rv.Current(result, "Aria")

	if err := rv.Select(models.ViewSide); err != nil {
		t.Fatal(err)
	}
	if got := rv.Current(result, "Aria"); got.URL != "s" || got.Label != "Side View" {
		t.Errorf("unexpected side view: %+v", got)
	}

	rv.Select(models.ViewFront)
	if got := rv.Current(result, "Aria"); !reflect.DeepEqual(got, front) {
		t.Errorf("side then front should reproduce front: %+v vs %+v", got, front)
	}
	if !reflect.DeepEqual(*result, before) {
		t.Error("selecting views mutated the result")
	}

	if err := rv.Select(models.View("top")); err == nil {
		t.Error("unknown view should be rejected")
	}
}

func TestGalleryOrder(t *testing.T) {
	result := &models.GenerationResult{Front: "f", Side: "s", Back: "b"}
	rv := NewResultsView()
	rv.Select(models.ViewBack)

	gallery := rv.Gallery(result, "Aria")
	if len(gallery) != 3 {
		t.Fatalf("expected three images, got %d", len(gallery))
	}
	for i, view := range models.AllViews() {
		if gallery[i].View != view {
			t.Errorf("image %d is %s, want %s", i, gallery[i].View, view)
		}
		if gallery[i].Selected != (view == models.ViewBack) {
			t.Errorf("selection flag wrong for %s", view)
		}
	}
	if gallery[2].Filename != "Aria-back-view.jpg" || gallery[2].Caption == "" {
		t.Errorf("unexpected back image: %+v", gallery[2])
	}
}
