package service

import "context"

var NewWorker = newWorker

func (w *Worker) Release(ctx context.Context) { w.release(ctx) }

var Abbrev = abbrev
