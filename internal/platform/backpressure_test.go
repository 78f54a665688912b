package platform

import "testing"

func TestClassifyNormal(t *testing.T) {
	if got := classify(10, 5, 100); got != LevelNormal {
		t.Fatalf("expected LevelNormal, got %v", got)
	}
}

func TestClassifyElevatedByQueue(t *testing.T) {
	if got := classify(10, 60, 100); got != LevelElevated {
		t.Fatalf("expected LevelElevated, got %v", got)
	}
}

func TestClassifyElevatedByCPU(t *testing.T) {
	if got := classify(80, 0, 100); got != LevelElevated {
		t.Fatalf("expected LevelElevated, got %v", got)
	}
}

func TestClassifyCriticalByQueue(t *testing.T) {
	if got := classify(10, 90, 100); got != LevelCritical {
		t.Fatalf("expected LevelCritical, got %v", got)
	}
}

func TestClassifyCriticalByCPU(t *testing.T) {
	if got := classify(95, 0, 100); got != LevelCritical {
		t.Fatalf("expected LevelCritical, got %v", got)
	}
}

func TestClassifyZeroCapacityIsNormal(t *testing.T) {
	if got := classify(0, 0, 0); got != LevelNormal {
		t.Fatalf("expected LevelNormal with zero capacity, got %v", got)
	}
}
