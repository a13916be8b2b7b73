//go:build darwin

package permissions

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework AVFoundation -framework Foundation
#import <AVFoundation/AVFoundation.h>

static int cameraAuthorizationStatus(void) {
	return (int)[AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeVideo];
}

// Returns 1 when granted, 0 when denied, -1 on timeout.
static int requestCameraAccess(double timeoutSeconds) {
	__block int result = 0;
	dispatch_semaphore_t sem = dispatch_semaphore_create(0);
	[AVCaptureDevice requestAccessForMediaType:AVMediaTypeVideo completionHandler:^(BOOL granted) {
		result = granted ? 1 : 0;
		dispatch_semaphore_signal(sem);
	}];
	long waited = dispatch_semaphore_wait(sem,
		dispatch_time(DISPATCH_TIME_NOW, (int64_t)(timeoutSeconds * NSEC_PER_SEC)));
	return waited == 0 ? result : -1;
}
*/
import "C"

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const requestTimeout = 2 * time.Minute

// CheckCameraAuthorization returns the current camera permission status
func CheckCameraAuthorization() AuthorizationStatus {
	return AuthorizationStatus(C.cameraAuthorizationStatus())
}

// RequestCameraPermission shows the system prompt and waits for the answer.
func RequestCameraPermission() (bool, error) {
	switch r := C.requestCameraAccess(C.double(requestTimeout.Seconds())); r {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, fmt.Errorf("camera permission request timed out after %s", requestTimeout)
	default:
		return false, fmt.Errorf("unexpected result from camera permission request: %d", int(r))
	}
}

// EnsureCamera prompts for camera access when it was never decided and fails
// when it is denied or restricted.
func EnsureCamera(logger *zap.Logger) error {
	status := CheckCameraAuthorization()
	logger.Info("camera authorization", zap.Stringer("status", status))
	return decide(status, func() (bool, error) {
		logger.Info("requesting camera permission")
		return RequestCameraPermission()
	})
}
